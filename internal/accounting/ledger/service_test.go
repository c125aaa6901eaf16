package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// memRepo serializes transactions with a mutex, standing in for the database
// uniqueness constraints.
type memRepo struct {
	mu       sync.Mutex
	accounts map[string]bool
	entries  map[int64]Entry
	nextID   int64
	nextLine int64
	// raceKey simulates a concurrent winner: the first lookup misses and the
	// insert reports the unique violation.
	raceKey string
}

func newMemRepo(codes ...string) *memRepo {
	r := &memRepo{accounts: map[string]bool{}, entries: map[int64]Entry{}}
	for _, c := range codes {
		r.accounts[c] = true
	}
	return r
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memTx{repo: r, pending: map[int64]Entry{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, e := range tx.pending {
		r.entries[id] = e
	}
	return nil
}

func (r *memRepo) GetEntry(ctx context.Context, companyID, entryID int64) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[entryID]
	if !ok || e.CompanyID != companyID {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (r *memRepo) ListEntries(ctx context.Context, companyID int64, filter ListFilter) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.CompanyID == companyID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) AccountHasEntries(ctx context.Context, companyID int64, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		for _, l := range e.Lines {
			if e.CompanyID == companyID && l.AccountCode == code {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *memRepo) TrialBalance(ctx context.Context, companyID int64, asOf time.Time) ([]BalanceRow, error) {
	return nil, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type memTx struct {
	repo    *memRepo
	pending map[int64]Entry
}

func (tx *memTx) FindByIdempotencyKey(ctx context.Context, companyID int64, key string) (int64, bool, error) {
	if tx.repo.raceKey == key {
		return 0, false, nil
	}
	for id, e := range tx.repo.entries {
		if e.CompanyID == companyID && e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (tx *memTx) ActiveAccounts(ctx context.Context, companyID int64, codes []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, c := range codes {
		if active, ok := tx.repo.accounts[c]; ok {
			out[c] = active
		}
	}
	return out, nil
}

func (tx *memTx) InsertEntry(ctx context.Context, e Entry) (int64, error) {
	if e.IdempotencyKey != nil && *e.IdempotencyKey == tx.repo.raceKey {
		tx.repo.raceKey = ""
		return 0, ErrIdempotencyConflict
	}
	if e.ReversedOf != nil {
		for _, existing := range tx.repo.entries {
			if existing.ReversedOf != nil && *existing.ReversedOf == *e.ReversedOf {
				return 0, ErrAlreadyReversed
			}
		}
	}
	tx.repo.nextID++
	e.ID = tx.repo.nextID
	tx.pending[e.ID] = e
	return e.ID, nil
}

func (tx *memTx) InsertLines(ctx context.Context, companyID, entryID int64, lines []LineInput) error {
	e := tx.pending[entryID]
	for _, l := range lines {
		tx.repo.nextLine++
		e.Lines = append(e.Lines, Line{ID: tx.repo.nextLine, EntryID: entryID, LineInput: l})
	}
	tx.pending[entryID] = e
	return nil
}

func (tx *memTx) GetEntryWithLines(ctx context.Context, companyID, entryID int64) (Entry, error) {
	e, ok := tx.repo.entries[entryID]
	if !ok || e.CompanyID != companyID {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (tx *memTx) FindReversal(ctx context.Context, companyID, entryID int64) (int64, bool, error) {
	for id, e := range tx.repo.entries {
		if e.ReversedOf != nil && *e.ReversedOf == entryID {
			return id, true, nil
		}
	}
	return 0, false, nil
}

var tenant = shared.Tenant{CompanyID: 1, UserID: 9, Role: shared.RoleAccountant}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func debit(code, v string) LineInput  { return LineInput{AccountCode: code, Debit: amt(v)} }
func credit(code, v string) LineInput { return LineInput{AccountCode: code, Credit: amt(v)} }

func invoicePaid(key string) CreateEntryInput {
	return CreateEntryInput{
		EntryDate:      time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		Description:    "Invoice 2024-017 paid",
		SourceType:     "invoice",
		SourceID:       "2024-017",
		IdempotencyKey: key,
		Lines: []LineInput{
			debit("1020", "1200.00"),
			credit("3000", "1114.21"),
			credit("2200", "85.79"),
		},
	}
}

func TestCreateEntryPersistsBalancedLines(t *testing.T) {
	repo := newMemRepo("1020", "3000", "2200")
	svc := NewService(repo, nil, nil)

	id, err := svc.CreateEntry(context.Background(), tenant, invoicePaid(""))
	require.NoError(t, err)

	entry, err := svc.GetEntry(context.Background(), tenant, id)
	require.NoError(t, err)
	require.NotNil(t, entry.PostedAt)
	require.Len(t, entry.Lines, 3)
	var dr, cr int64
	for _, l := range entry.Lines {
		dr += shared.Cents(l.Debit)
		cr += shared.Cents(l.Credit)
	}
	require.Equal(t, dr, cr)
	require.Equal(t, int64(120000), dr)
}

func TestCreateEntryRejectsInvalidShapes(t *testing.T) {
	repo := newMemRepo("1020", "3000")
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	date := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	cases := map[string]struct {
		lines []LineInput
		kind  error
	}{
		"single line": {lines: []LineInput{debit("1020", "10")}, kind: shared.ErrValidation},
		"unbalanced":  {lines: []LineInput{debit("1020", "10.00"), credit("3000", "9.99")}, kind: ErrUnbalanced},
		"both sides": {lines: []LineInput{
			{AccountCode: "1020", Debit: amt("5"), Credit: amt("5")},
			credit("3000", "0"),
		}, kind: shared.ErrInvariant},
		"negative": {lines: []LineInput{debit("1020", "-5"), credit("3000", "-5")}, kind: shared.ErrInvariant},
		"sub cent": {lines: []LineInput{debit("1020", "1.005"), credit("3000", "1.005")}, kind: shared.ErrValidation},
		"unknown":  {lines: []LineInput{debit("1020", "5"), credit("9999", "5")}, kind: ErrUnknownAccount},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateEntry(ctx, tenant, CreateEntryInput{EntryDate: date, Lines: tc.lines})
			require.ErrorIs(t, err, tc.kind)
		})
	}
	require.Zero(t, repo.count())
}

func TestCreateEntryRejectsInactiveAccount(t *testing.T) {
	repo := newMemRepo("1020", "3000")
	repo.accounts["3000"] = false
	svc := NewService(repo, nil, nil)

	_, err := svc.CreateEntry(context.Background(), tenant, CreateEntryInput{
		EntryDate: time.Now(),
		Lines:     []LineInput{debit("1020", "5"), credit("3000", "5")},
	})
	require.ErrorIs(t, err, ErrUnknownAccount)
}

func TestCreateEntryIdempotentReplay(t *testing.T) {
	repo := newMemRepo("1020", "3000", "2200", "1100")
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	first, err := svc.CreateEntry(ctx, tenant, invoicePaid("invoice:2024-017"))
	require.NoError(t, err)

	other := invoicePaid("invoice:2024-017")
	other.Lines = []LineInput{debit("1100", "50"), credit("3000", "50")}
	second, err := svc.CreateEntry(ctx, tenant, other)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, repo.count())
}

func TestCreateEntryRaceLoserIsReplay(t *testing.T) {
	repo := newMemRepo("1020", "3000", "2200")
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	winner, err := svc.CreateEntry(ctx, tenant, invoicePaid("invoice:race"))
	require.NoError(t, err)

	repo.raceKey = "invoice:race"
	loser, err := svc.CreateEntry(ctx, tenant, invoicePaid("invoice:race"))
	require.NoError(t, err)
	require.Equal(t, winner, loser)
	require.Equal(t, 1, repo.count())
}

func TestConcurrentCreateEntrySameKey(t *testing.T) {
	repo := newMemRepo("1020", "3000", "2200", "1100")
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	a := invoicePaid("session:42")
	b := invoicePaid("session:42")
	b.Lines = []LineInput{debit("1100", "75.00"), credit("3000", "75.00")}

	var (
		wg   sync.WaitGroup
		ids  [2]int64
		errs [2]error
	)
	for i, in := range []CreateEntryInput{a, b} {
		wg.Add(1)
		go func(i int, in CreateEntryInput) {
			defer wg.Done()
			ids[i], errs[i] = svc.CreateEntry(ctx, tenant, in)
		}(i, in)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, ids[0], ids[1])
	require.Equal(t, 1, repo.count())

	entry, err := svc.GetEntry(ctx, tenant, ids[0])
	require.NoError(t, err)
	total := decimal.Zero
	for _, l := range entry.Lines {
		total = total.Add(l.Debit)
	}
	require.True(t, total.Equal(amt("1200")) || total.Equal(amt("75")))
	used, err := svc.AccountHasEntries(ctx, tenant, "1100")
	require.NoError(t, err)
	require.Equal(t, total.Equal(amt("75")), used)
}

func TestReverseEntrySwapsLinesOnce(t *testing.T) {
	repo := newMemRepo("1020", "3000", "2200")
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	id, err := svc.CreateEntry(ctx, tenant, invoicePaid("invoice:rev"))
	require.NoError(t, err)

	revID, err := svc.ReverseEntry(ctx, tenant, id)
	require.NoError(t, err)

	original, err := svc.GetEntry(ctx, tenant, id)
	require.NoError(t, err)
	reversal, err := svc.GetEntry(ctx, tenant, revID)
	require.NoError(t, err)
	require.NotNil(t, reversal.ReversedOf)
	require.Equal(t, id, *reversal.ReversedOf)
	require.Len(t, reversal.Lines, len(original.Lines))
	for i := range original.Lines {
		require.Equal(t, original.Lines[i].AccountCode, reversal.Lines[i].AccountCode)
		require.True(t, original.Lines[i].Debit.Equal(reversal.Lines[i].Credit))
		require.True(t, original.Lines[i].Credit.Equal(reversal.Lines[i].Debit))
	}

	_, err = svc.ReverseEntry(ctx, tenant, id)
	require.True(t, errors.Is(err, ErrAlreadyReversed))
	require.Equal(t, 2, repo.count())
}

func TestReverseUnknownEntry(t *testing.T) {
	svc := NewService(newMemRepo(), nil, nil)
	_, err := svc.ReverseEntry(context.Background(), tenant, 404)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
