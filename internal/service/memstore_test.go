package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dan9191/loan-service/internal/clock"
	"github.com/Dan9191/loan-service/internal/latefee"
	"github.com/Dan9191/loan-service/internal/models"
	"github.com/Dan9191/loan-service/internal/receipt"
	"github.com/Dan9191/loan-service/internal/repository"
	"github.com/Dan9191/loan-service/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// memData is one snapshot of the whole database
type memData struct {
	seq          int64
	clients      map[int64]models.Client
	loans        map[int64]models.Loan
	installments map[int64]models.Installment
	payments     map[int64]models.Payment
	states       []models.LoanState
}

func (d *memData) clone() *memData {
	c := &memData{
		seq:          d.seq,
		clients:      make(map[int64]models.Client, len(d.clients)),
		loans:        make(map[int64]models.Loan, len(d.loans)),
		installments: make(map[int64]models.Installment, len(d.installments)),
		payments:     make(map[int64]models.Payment, len(d.payments)),
		states:       append([]models.LoanState(nil), d.states...),
	}
	for k, v := range d.clients {
		c.clients[k] = v
	}
	for k, v := range d.loans {
		c.loans[k] = v
	}
	for k, v := range d.installments {
		c.installments[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	return c
}

func (d *memData) nextID() int64 {
	d.seq++
	return d.seq
}

// errWriteConflict reports two transactions that wrote over the same committed version
var errWriteConflict = errors.New("memstore: write conflict")

// memStore is a transactional in-memory store: each transaction works on a copy
// that replaces the committed data only when the transaction succeeds.
// Transactions run unserialized. A writing transaction fails to commit when another
// one committed since it began, so callers must do their own locking.
type memStore struct {
	mu      sync.Mutex
	data    *memData
	version int64
}

func newMemStore() *memStore {
	return &memStore{data: (&memData{}).clone()}
}

func (m *memStore) begin() (*memTx, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &memTx{d: m.data.clone()}, m.version
}

func (m *memStore) commit(tx *memTx, base int64) error {
	if !tx.dirty {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version != base {
		return fmt.Errorf("%w: began at version %d, committed is %d", errWriteConflict, base, m.version)
	}
	m.data = tx.d
	m.version++
	return nil
}

func (m *memStore) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	tx, base := m.begin()
	if err := fn(tx); err != nil {
		commit, cause := repository.Committed(err)
		if commit {
			if err := m.commit(tx, base); err != nil {
				return err
			}
		}
		return cause
	}
	return m.commit(tx, base)
}

// snapshot returns a read-only copy of the committed data
func (m *memStore) snapshot() *memData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.clone()
}

type memTx struct {
	d     *memData
	dirty bool
}

func (t *memTx) LockLoan(int64) error   { return nil }
func (t *memTx) LockClient(int64) error { return nil }

func (t *memTx) GetClient(id int64) (*models.Client, error) {
	c, ok := t.d.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %d: %w", id, repository.ErrNotFound)
	}
	return &c, nil
}

func (t *memTx) SetClientStatus(id int64, status models.ClientStatus) error {
	t.dirty = true
	c, ok := t.d.clients[id]
	if !ok {
		return fmt.Errorf("client %d: %w", id, repository.ErrNotFound)
	}
	c.Status = status
	t.d.clients[id] = c
	return nil
}

func (t *memTx) GetLoan(id int64) (*models.Loan, error) {
	l, ok := t.d.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %d: %w", id, repository.ErrNotFound)
	}
	return &l, nil
}

func (t *memTx) listLoans(keep func(models.Loan) bool) []*models.Loan {
	var out []*models.Loan
	for _, l := range t.d.loans {
		if keep(l) {
			l := l
			out = append(out, &l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memTx) ListLoansByClient(clientID int64) ([]*models.Loan, error) {
	return t.listLoans(func(l models.Loan) bool { return l.ClientID == clientID }), nil
}

func (t *memTx) ListLoansByGroup(groupID int64) ([]*models.Loan, error) {
	return t.listLoans(func(l models.Loan) bool { return l.GroupID != nil && *l.GroupID == groupID }), nil
}

func (t *memTx) ListActiveLoans() ([]*models.Loan, error) {
	return t.listLoans(func(l models.Loan) bool { return l.Status == models.LoanActive }), nil
}

func (t *memTx) CreateLoan(loan *models.Loan) error {
	t.dirty = true
	loan.ID = t.d.nextID()
	t.d.loans[loan.ID] = *loan
	return nil
}

func (t *memTx) UpdateLoan(loan *models.Loan) error {
	t.dirty = true
	if _, ok := t.d.loans[loan.ID]; !ok {
		return fmt.Errorf("loan %d: %w", loan.ID, repository.ErrNotFound)
	}
	t.d.loans[loan.ID] = *loan
	return nil
}

func (t *memTx) ListInstallments(loanID int64) ([]*models.Installment, error) {
	var out []*models.Installment
	for _, inst := range t.d.installments {
		if inst.LoanID == loanID {
			inst := inst
			out = append(out, &inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (t *memTx) GetInstallment(id int64) (*models.Installment, error) {
	inst, ok := t.d.installments[id]
	if !ok {
		return nil, fmt.Errorf("installment %d: %w", id, repository.ErrNotFound)
	}
	return &inst, nil
}

func (t *memTx) CreateInstallment(inst *models.Installment) error {
	t.dirty = true
	for _, other := range t.d.installments {
		if other.LoanID == inst.LoanID && other.Number == inst.Number {
			return fmt.Errorf("installment %d of loan %d already exists", inst.Number, inst.LoanID)
		}
	}
	inst.ID = t.d.nextID()
	t.d.installments[inst.ID] = *inst
	return nil
}

func (t *memTx) UpdateInstallment(inst *models.Installment) error {
	t.dirty = true
	if _, ok := t.d.installments[inst.ID]; !ok {
		return fmt.Errorf("installment %d: %w", inst.ID, repository.ErrNotFound)
	}
	t.d.installments[inst.ID] = *inst
	return nil
}

func (t *memTx) ListPayments(installmentID int64) ([]*models.Payment, error) {
	var out []*models.Payment
	for _, p := range t.d.payments {
		if p.InstallmentID == installmentID {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) CreatePayment(p *models.Payment) error {
	t.dirty = true
	if _, ok := t.d.installments[p.InstallmentID]; !ok {
		return fmt.Errorf("installment %d: %w", p.InstallmentID, repository.ErrNotFound)
	}
	p.ID = t.d.nextID()
	t.d.payments[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePayment(p *models.Payment) error {
	t.dirty = true
	if _, ok := t.d.payments[p.ID]; !ok {
		return fmt.Errorf("payment %d: %w", p.ID, repository.ErrNotFound)
	}
	t.d.payments[p.ID] = *p
	return nil
}

func (t *memTx) DeletePayment(id int64) error {
	t.dirty = true
	if _, ok := t.d.payments[id]; !ok {
		return fmt.Errorf("payment %d: %w", id, repository.ErrNotFound)
	}
	delete(t.d.payments, id)
	return nil
}

func (t *memTx) LatestLoanState(loanID int64) (*models.LoanState, error) {
	for i := len(t.d.states) - 1; i >= 0; i-- {
		if t.d.states[i].LoanID == loanID {
			st := t.d.states[i]
			return &st, nil
		}
	}
	return nil, fmt.Errorf("state of loan %d: %w", loanID, repository.ErrNotFound)
}

func (t *memTx) CreateLoanState(state *models.LoanState) error {
	t.dirty = true
	state.ID = t.d.nextID()
	t.d.states = append(t.d.states, *state)
	return nil
}

// memFiles is a FileStore kept in a map. failSave makes Save fail for keys containing it.
type memFiles struct {
	mu       sync.Mutex
	files    map[string][]byte
	failSave string
	failDir  bool
}

func newMemFiles() *memFiles {
	return &memFiles{files: make(map[string][]byte)}
}

func (f *memFiles) Save(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave != "" && strings.Contains(key, f.failSave) {
		return errors.New("disk full")
	}
	f.files[key] = append([]byte(nil), data...)
	return nil
}

func (f *memFiles) Open(key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *memFiles) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, key)
	return nil
}

func (f *memFiles) RemoveDir(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDir {
		return errors.New("permission denied")
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for key := range f.files {
		if strings.HasPrefix(key, prefix) {
			delete(f.files, key)
		}
	}
	return nil
}

func (f *memFiles) URL(key string) string { return "http://files.test/" + key }

func (f *memFiles) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.files))
	for k := range f.files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type sentNotice struct {
	clientID      int64
	installmentID int64
}

type memNotifier struct {
	sent []sentNotice
	err  error
}

func (n *memNotifier) SendOverdueNotice(client *models.Client, _ *models.Loan, inst *models.Installment) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNotice{clientID: client.ID, installmentID: inst.ID})
	return nil
}

// testEnv wires a service over the in-memory fakes with the clock fixed in Lima
type testEnv struct {
	svc      *Service
	store    *memStore
	files    *memFiles
	notifier *memNotifier
	clock    *clock.Fixed
}

var lima = mustLocation("America/Lima")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("PET", -5*60*60)
	}
	return loc
}

func at(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, lima)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// testRates charges, for the 1000-1500 tier, 4 plus the overdue days up to 30 days
// and 100 past that. Every other tier is charged double.
func testRates(t *testing.T) *latefee.Table {
	t.Helper()
	var rows []models.LateFeeRow
	add := func(label string, base decimal.Decimal) {
		amounts := make(map[string]decimal.Decimal, len(latefee.Tiers))
		for _, tr := range latefee.Tiers {
			amounts[tr.Key] = base.Mul(decimal.NewFromInt(2))
		}
		amounts["1000_1500"] = base
		rows = append(rows, models.LateFeeRow{Bucket: label, Amounts: amounts})
	}
	for days := 1; days <= 30; days++ {
		add(latefee.Bucket(days), decimal.NewFromInt(int64(4+days)))
	}
	add(latefee.Bucket31To60, decimal.NewFromInt(100))
	add(latefee.Bucket61To90, decimal.NewFromInt(100))

	logger, _ := test.NewNullLogger()
	table, err := latefee.NewTable(rows, latefee.PolicyZero, logger)
	require.NoError(t, err)
	return table
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	log, _ := test.NewNullLogger()

	env := &testEnv{
		store:    newMemStore(),
		files:    newMemFiles(),
		notifier: &memNotifier{},
		clock:    &clock.Fixed{T: now},
	}
	renderer := receipt.NewXMLRenderer("Test Microfinance")
	env.svc = NewService(env.store, testRates(t), log, Deps{
		Clock:     env.clock,
		Receipts:  renderer,
		Schedules: renderer,
		Files:     env.files,
		Notifier:  env.notifier,
	})
	return env
}

func (e *testEnv) addClient(t *testing.T, status models.ClientStatus) *models.Client {
	t.Helper()
	client := &models.Client{DNI: "40000000", FirstName: "Rosa", LastName: "Quispe", Email: "rosa@example.com", Status: status}
	require.NoError(t, e.store.WithTx(context.Background(), func(tx repository.Tx) error {
		mt := tx.(*memTx)
		mt.dirty = true
		client.ID = mt.d.nextID()
		mt.d.clients[client.ID] = *client
		return nil
	}))
	return client
}

// addLoan originates a loan through the service: principal 1000 at 10% in 4 monthly installments
func (e *testEnv) addLoan(t *testing.T, clientID int64, start time.Time) *LoanResult {
	t.Helper()
	res, err := e.svc.CreateLoan(context.Background(), CreateLoanRequest{
		ClientID:         clientID,
		AdvisorID:        7,
		Principal:        dec("1000"),
		InterestRate:     dec("10"),
		InstallmentCount: 4,
		Frequency:        models.FrequencyMonthly,
		StartDate:        start,
		UserID:           1,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) installment(t *testing.T, id int64) models.Installment {
	t.Helper()
	inst, ok := e.store.snapshot().installments[id]
	require.True(t, ok, "installment %d", id)
	return inst
}

func (e *testEnv) loan(t *testing.T, id int64) models.Loan {
	t.Helper()
	loan, ok := e.store.snapshot().loans[id]
	require.True(t, ok, "loan %d", id)
	return loan
}

func (e *testEnv) payments(installmentID int64) []models.Payment {
	var out []models.Payment
	for _, p := range e.store.snapshot().payments {
		if p.InstallmentID == installmentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *testEnv) states(loanID int64) []models.LoanState {
	var out []models.LoanState
	for _, st := range e.store.snapshot().states {
		if st.LoanID == loanID {
			out = append(out, st)
		}
	}
	return out
}

// setInstallment edits a stored installment directly
func (e *testEnv) setInstallment(t *testing.T, id int64, edit func(*models.Installment)) {
	t.Helper()
	require.NoError(t, e.store.WithTx(context.Background(), func(tx repository.Tx) error {
		inst, err := tx.GetInstallment(id)
		if err != nil {
			return err
		}
		edit(inst)
		return tx.UpdateInstallment(inst)
	}))
}

// pngProof is a valid 4x4 PNG image
func pngProof(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
