package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Dan9191/loan-service/internal/middleware"
	"github.com/Dan9191/loan-service/internal/models"
	"github.com/Dan9191/loan-service/internal/service"
	"github.com/Dan9191/loan-service/internal/storage"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// LoanService is the part of service.Service the HTTP layer calls
type LoanService interface {
	CreateLoan(ctx context.Context, req service.CreateLoanRequest) (*service.LoanResult, error)
	CreateRolloverLoan(ctx context.Context, req service.CreateLoanRequest) (*service.LoanResult, error)
	CreateGroupLoans(ctx context.Context, req service.GroupLoanRequest) ([]*service.LoanResult, error)
	SearchSchedules(ctx context.Context, q service.ScheduleQuery) ([]*service.ScheduleSummary, error)
	GetSchedule(ctx context.Context, loanID, clientID int64) (*service.Document, error)
	GetLoan(ctx context.Context, loanID int64) (*service.LoanView, error)
	RefinanceLoan(ctx context.Context, req service.RefinanceRequest) (*service.LoanResult, error)
	RescheduleLoan(ctx context.Context, req service.RescheduleRequest) (*service.LoanResult, error)
	RegisterTotalCancellation(ctx context.Context, req service.PayoffRequest) (*service.PayoffResult, error)
	GetOutstandingInstallments(ctx context.Context, clientID int64) ([]*service.InstallmentView, error)
	ListPaidInstallments(ctx context.Context, clientID int64) ([]*service.InstallmentView, error)
	RegisterPayment(ctx context.Context, req service.PaymentRequest) (*service.PaymentResult, error)
	ApplyLateFeeReduction(ctx context.Context, req service.ReductionRequest) (*models.Installment, error)
	RegisterElectronicPayment(ctx context.Context, req service.ElectronicPaymentRequest) (*service.PaymentResult, error)
	ConfirmPrepaidPayment(ctx context.Context, req service.ReviewRequest) (*service.PaymentResult, error)
	RejectPrepaidPayment(ctx context.Context, req service.RejectRequest) (*models.Installment, error)
	GetReceipt(ctx context.Context, installmentID, clientID int64) (*service.Document, error)
	GetPaymentProof(ctx context.Context, installmentID, clientID int64) (*service.Document, error)
	SweepOverdueInstallments(ctx context.Context, userID int64) (*service.SweepResult, error)
}

type Handler struct {
	svc LoanService
	log *logrus.Logger
}

func NewHandler(svc LoanService, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Options configure Routes
type Options struct {
	JWTSecret     string
	UploadLimiter *middleware.RateLimiter
}

// Routes mounts the admin and client APIs on r
func (h *Handler) Routes(r *mux.Router, opts Options) {
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.Auth(opts.JWTSecret, middleware.RoleAdmin, middleware.RoleStaff))
	admin.HandleFunc("/loans", h.CreateLoan).Methods(http.MethodPost)
	admin.HandleFunc("/loans/rollover", h.CreateRolloverLoan).Methods(http.MethodPost)
	admin.HandleFunc("/loans/group", h.CreateGroupLoans).Methods(http.MethodPost)
	admin.HandleFunc("/loans/{id:[0-9]+}", h.GetLoan).Methods(http.MethodGet)
	admin.HandleFunc("/loans/{id:[0-9]+}/schedule", h.Schedule).Methods(http.MethodGet)
	admin.HandleFunc("/schedules", h.SearchSchedules).Methods(http.MethodGet)
	admin.HandleFunc("/loans/{id:[0-9]+}/refinance", h.RefinanceLoan).Methods(http.MethodPost)
	admin.HandleFunc("/loans/{id:[0-9]+}/reschedule", h.RescheduleLoan).Methods(http.MethodPost)
	admin.HandleFunc("/loans/{id:[0-9]+}/payoff", h.Payoff).Methods(http.MethodPost)
	admin.HandleFunc("/clients/{id:[0-9]+}/installments", h.ClientInstallments).Methods(http.MethodGet)
	admin.HandleFunc("/payments", h.RegisterPayment).Methods(http.MethodPost)
	admin.HandleFunc("/installments/sweep", h.Sweep).Methods(http.MethodPost)
	admin.HandleFunc("/installments/{id:[0-9]+}/late-fee-reduction", h.ReduceLateFee).Methods(http.MethodPost)
	admin.HandleFunc("/installments/{id:[0-9]+}/confirm", h.ConfirmPrepaid).Methods(http.MethodPost)
	admin.HandleFunc("/installments/{id:[0-9]+}/reject", h.RejectPrepaid).Methods(http.MethodPost)
	admin.HandleFunc("/installments/{id:[0-9]+}/receipt", h.Receipt).Methods(http.MethodGet)
	admin.HandleFunc("/installments/{id:[0-9]+}/proof", h.Proof).Methods(http.MethodGet)

	client := r.PathPrefix("/client").Subrouter()
	client.Use(middleware.Auth(opts.JWTSecret, middleware.RoleClient))
	client.HandleFunc("/installments", h.MyInstallments).Methods(http.MethodGet)
	client.HandleFunc("/installments/paid", h.MyPaidInstallments).Methods(http.MethodGet)
	client.HandleFunc("/installments/{id:[0-9]+}/receipt", h.Receipt).Methods(http.MethodGet)
	client.HandleFunc("/loans/{id:[0-9]+}/schedule", h.Schedule).Methods(http.MethodGet)
	upload := http.Handler(http.HandlerFunc(h.RegisterElectronicPayment))
	if opts.UploadLimiter != nil {
		upload = opts.UploadLimiter.Middleware(upload)
	}
	client.Handle("/payments", upload).Methods(http.MethodPost)
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (h *Handler) respond(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: status < 400, Message: message, Data: data}); err != nil {
		h.log.WithError(err).Warn("Failed to write response")
	}
}

// fail maps a service error onto a status code. Unclassified errors are logged and hidden.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var typed *service.Error
	if !errors.As(err, &typed) {
		h.log.WithError(err).Error("Request failed")
		h.respond(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	status := http.StatusInternalServerError
	switch typed.Kind {
	case service.KindValidation:
		status = http.StatusUnprocessableEntity
	case service.KindBusiness:
		status = http.StatusConflict
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindExternal:
		status = http.StatusBadGateway
		h.log.WithError(err).Error("External dependency failed")
	}
	h.respond(w, status, typed.Message, nil)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		h.respond(w, http.StatusBadRequest, "invalid JSON body", nil)
		return false
	}
	return true
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func principal(r *http.Request) middleware.Principal {
	p, _ := middleware.PrincipalFrom(r.Context())
	return p
}

func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req service.CreateLoanRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = principal(r).UserID
	res, err := h.svc.CreateLoan(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusCreated, "loan created", res)
}

func (h *Handler) CreateRolloverLoan(w http.ResponseWriter, r *http.Request) {
	var req service.CreateLoanRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = principal(r).UserID
	res, err := h.svc.CreateRolloverLoan(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusCreated, "rollover loan created", res)
}

func (h *Handler) CreateGroupLoans(w http.ResponseWriter, r *http.Request) {
	var req service.GroupLoanRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = principal(r).UserID
	res, err := h.svc.CreateGroupLoans(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusCreated, "group loans created", res)
}

// SearchSchedules takes either client_id or group_id from the query string
func (h *Handler) SearchSchedules(w http.ResponseWriter, r *http.Request) {
	var q service.ScheduleQuery
	for name, dst := range map[string]*int64{"client_id": &q.ClientID, "group_id": &q.GroupID} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respond(w, http.StatusUnprocessableEntity, "invalid "+name, nil)
			return
		}
		*dst = id
	}
	res, err := h.svc.SearchSchedules(r.Context(), q)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, "ok", res)
}

// Schedule serves a loan's schedule document. Clients only see their own.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.GetSchedule(r.Context(), pathID(r), principal(r).ClientID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.document(w, doc)
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetLoan(r.Context(), pathID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, "ok", view)
}

func (h *Handler) RefinanceLoan(w http.ResponseWriter, r *http.Request) {
	var req service.RefinanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.LoanID, req.UserID = pathID(r), principal(r).UserID
	res, err := h.svc.RefinanceLoan(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, "loan refinanced", res)
}

func (h *Handler) RescheduleLoan(w http.ResponseWriter, r *http.Request) {
	var req service.RescheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.LoanID, req.UserID = pathID(r), principal(r).UserID
	res, err := h.svc.RescheduleLoan(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, "loan rescheduled", res)
}

func (h *Handler) Payoff(w http.ResponseWriter, r *http.Request) {
	var req service.PayoffRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.LoanID, req.UserID = pathID(r), principal(r).UserID
	res, err := h.svc.RegisterTotalCancellation(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, "loan paid off", res)
}

func (h *Handler) ClientInstallments(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.GetOutstandingInstallments(r.Context(), pathID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, "ok", views)
}

func (h *Handler) RegisterPayment(w http.ResponseWriter, r *http.Request) {
	var req service.PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = principal(r).UserID
	res, err := h.svc.RegisterPayment(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusCreated, "payment registered", res)
}

func (h *Handler) ReduceLateFee(w http.ResponseWriter, r *http.Request) {
	var req service.ReductionRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.InstallmentID, req.UserID = pathID(r), principal(r).UserID
	inst, err := h.svc.ApplyLateFeeReduction(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, "late fee reduced", inst)
}

func (h *Handler) ConfirmPrepaid(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ConfirmPrepaidPayment(r.Context(), service.ReviewRequest{
		InstallmentID: pathID(r),
		UserID:        principal(r).UserID,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, "payment confirmed", res)
}

func (h *Handler) RejectPrepaid(w http.ResponseWriter, r *http.Request) {
	var req service.RejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.InstallmentID, req.UserID = pathID(r), principal(r).UserID
	inst, err := h.svc.RejectPrepaidPayment(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, "payment rejected", inst)
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SweepOverdueInstallments(r.Context(), principal(r).UserID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, "sweep finished", res)
}

// Receipt serves the receipt file. Clients only see their own.
func (h *Handler) Receipt(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.GetReceipt(r.Context(), pathID(r), principal(r).ClientID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.document(w, doc)
}

func (h *Handler) Proof(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.GetPaymentProof(r.Context(), pathID(r), 0)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.document(w, doc)
}

func (h *Handler) document(w http.ResponseWriter, doc *service.Document) {
	w.Header().Set("Content-Type", mimetype.Detect(doc.Body).String())
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Body)))
	if _, err := w.Write(doc.Body); err != nil {
		h.log.WithError(err).WithField("key", doc.Key).Warn("Failed to write document")
	}
}

func (h *Handler) MyInstallments(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.GetOutstandingInstallments(r.Context(), principal(r).ClientID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, "ok", views)
}

func (h *Handler) MyPaidInstallments(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.ListPaidInstallments(r.Context(), principal(r).ClientID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, "ok", views)
}

// RegisterElectronicPayment takes a multipart form with installment_id, amount, method,
// operation_ref and the proof image in "proof".
func (h *Handler) RegisterElectronicPayment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxProofSize+64*1024)
	if err := r.ParseMultipartForm(storage.MaxProofSize); err != nil {
		h.respond(w, http.StatusBadRequest, "invalid multipart form or proof too large", nil)
		return
	}

	installmentID, err := strconv.ParseInt(r.FormValue("installment_id"), 10, 64)
	if err != nil {
		h.respond(w, http.StatusUnprocessableEntity, "invalid installment_id", nil)
		return
	}
	amount, err := decimal.NewFromString(r.FormValue("amount"))
	if err != nil {
		h.respond(w, http.StatusUnprocessableEntity, "invalid amount", nil)
		return
	}

	file, _, err := r.FormFile("proof")
	if err != nil {
		h.respond(w, http.StatusUnprocessableEntity, "proof image is required", nil)
		return
	}
	defer file.Close()
	proof, err := io.ReadAll(io.LimitReader(file, storage.MaxProofSize+1))
	if err != nil {
		h.respond(w, http.StatusBadRequest, "failed to read proof", nil)
		return
	}

	p := principal(r)
	res, err := h.svc.RegisterElectronicPayment(r.Context(), service.ElectronicPaymentRequest{
		InstallmentID: installmentID,
		ClientID:      p.ClientID,
		Amount:        amount,
		Method:        r.FormValue("method"),
		OperationRef:  r.FormValue("operation_ref"),
		Proof:         proof,
		UserID:        p.UserID,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusCreated, "payment submitted for review", res)
}
