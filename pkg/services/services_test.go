package services_test

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailpoint/storesync/pkg/bdkeeper"
	"github.com/retailpoint/storesync/pkg/connectivity"
	"github.com/retailpoint/storesync/pkg/logger"
	"github.com/retailpoint/storesync/pkg/models"
	"github.com/retailpoint/storesync/pkg/remote"
	"github.com/retailpoint/storesync/pkg/services"
	"github.com/retailpoint/storesync/pkg/syncerr"
)

// fakeRemote is a scripted stand-in for the hosted data service. It assigns
// sequential server keys starting at 100.
type fakeRemote struct {
	mu     sync.Mutex
	nextID int
	tables map[string]map[string]map[string]any
	reject map[string]error
	down   bool
	calls  map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		nextID: 100,
		tables: make(map[string]map[string]map[string]any),
		reject: make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeRemote) rows(table string) map[string]map[string]any {
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]map[string]any)
	}
	return f.tables[table]
}

func (f *fakeRemote) gate(call, table string) error {
	f.calls[call+" "+table]++
	if f.down {
		return fmt.Errorf("%w: connection refused", remote.ErrNetworkUnavailable)
	}
	if err := f.reject[table]; err != nil {
		return err
	}
	return nil
}

func (f *fakeRemote) Select(_ context.Context, table string, filter map[string]string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate("select", table); err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, row := range f.rows(table) {
		match := true
		for field, want := range filter {
			if models.KeyString(row[field]) != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, clone(row))
		}
	}
	return out, nil
}

func (f *fakeRemote) Insert(_ context.Context, table string, row map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate("insert", table); err != nil {
		return nil, err
	}
	stored := clone(row)
	stored["id"] = strconv.Itoa(f.nextID)
	f.nextID++
	f.rows(table)[models.KeyString(stored["id"])] = stored
	return clone(stored), nil
}

func (f *fakeRemote) Update(_ context.Context, table string, key string, partial map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate("update", table); err != nil {
		return nil, err
	}
	row, ok := f.rows(table)[key]
	if !ok {
		return nil, &remote.RejectionError{Code: "not_found", Message: "no such row " + key}
	}
	for k, v := range partial {
		row[k] = v
	}
	return clone(row), nil
}

func (f *fakeRemote) Delete(_ context.Context, table string, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate("delete", table); err != nil {
		return err
	}
	delete(f.rows(table), key)
	return nil
}

func (f *fakeRemote) callCount(call, table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[call+" "+table]
}

func (f *fakeRemote) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func clone(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func setup(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	mirror := `CREATE TABLE %s (
		key TEXT PRIMARY KEY,
		scope_id TEXT,
		payload TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	for _, table := range []string{"products", "sales", "customers", "stores"} {
		if _, err := db.Exec(fmt.Sprintf(mirror, table)); err != nil {
			t.Fatalf("failed to create %s: %v", table, err)
		}
	}
	stmts := []string{
		`CREATE TABLE sync_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			action TEXT NOT NULL,
			payload TEXT NOT NULL,
			scope_id TEXT,
			enqueued_at DATETIME NOT NULL
		)`,
		`CREATE TABLE sessions (
			email TEXT NOT NULL,
			store_id TEXT NOT NULL,
			role TEXT NOT NULL,
			verifier TEXT NOT NULL,
			grants TEXT,
			user_id TEXT,
			owner_id TEXT,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (email, store_id, role)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to create schema: %v", err)
		}
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("error closing database: %v", err)
		}
	}
	return db, cleanup
}

func newService(t *testing.T, online bool) (*services.Service, *fakeRemote, *bdkeeper.Keeper, *connectivity.Monitor, func()) {
	t.Helper()
	db, cleanup := setup(t)
	keeper := bdkeeper.NewKeeper(db)
	fake := newFakeRemote()
	monitor := connectivity.NewMonitor(online)
	svc := services.NewServices(keeper, fake, monitor, nil, logger.NewTestLogger(), 0)
	return svc, fake, keeper, monitor, cleanup
}

func TestWrite_OnlineInsertStoresAuthoritativeRow(t *testing.T) {
	svc, fake, keeper, _, cleanup := newService(t, true)
	defer cleanup()
	ctx := context.Background()

	res, err := svc.Write(ctx, "products", models.ActionInsert,
		map[string]any{"name": "beans", "store_id": "3"}, "3")
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, "100", res.Record.Key, "key comes from the server")

	got, err := keeper.GetRecord(ctx, "products", "100")
	require.NoError(t, err)
	assert.Equal(t, "beans", got.Fields["name"])
	assert.Equal(t, 1, fake.callCount("insert", "products"))
}

func TestWrite_ValidationErrorNamesField(t *testing.T) {
	svc, fake, _, _, cleanup := newService(t, true)
	defer cleanup()

	_, err := svc.Write(context.Background(), "products", models.ActionInsert,
		map[string]any{"store_id": "3"}, "3")
	var verr *syncerr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)
	assert.Equal(t, 0, fake.callCount("insert", "products"), "invalid writes never reach the remote")

	ops, err := svc.PendingOperations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops, "invalid writes are never queued")
}

func TestWrite_RejectionSurfacedNotQueued(t *testing.T) {
	svc, fake, _, _, cleanup := newService(t, true)
	defer cleanup()
	fake.reject["products"] = &remote.RejectionError{Code: "conflict", Message: "duplicate name"}

	_, err := svc.Write(context.Background(), "products", models.ActionInsert,
		map[string]any{"name": "beans", "store_id": "3"}, "3")
	var rerr *remote.RejectionError
	require.ErrorAs(t, err, &rerr)

	ops, err := svc.PendingOperations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops, "rejected writes must not be queued")
}

func TestWrite_OfflineQueuesWithPlaceholderKey(t *testing.T) {
	svc, fake, keeper, _, cleanup := newService(t, false)
	defer cleanup()
	ctx := context.Background()

	var notices []string
	svc.Notify = func(msg string) { notices = append(notices, msg) }

	res, err := svc.Write(ctx, "products", models.ActionInsert,
		map[string]any{"name": "beans", "store_id": "3"}, "3")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.True(t, models.IsTempKey(res.Record.Key), "offline insert gets a placeholder key")

	// The optimistic record is readable under the placeholder.
	got, err := keeper.GetRecord(ctx, "products", res.Record.Key)
	require.NoError(t, err)
	assert.Equal(t, "beans", got.Fields["name"])

	ops, err := svc.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.ActionInsert, ops[0].Action)

	assert.Equal(t, 0, fake.callCount("insert", "products"))
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "will sync")
}

func TestWrite_ConnectivityFailureFallsBackToQueue(t *testing.T) {
	svc, fake, _, monitor, cleanup := newService(t, true)
	defer cleanup()
	fake.setDown(true)

	res, err := svc.Write(context.Background(), "products", models.ActionInsert,
		map[string]any{"name": "beans", "store_id": "3"}, "3")
	require.NoError(t, err)
	assert.True(t, res.Queued, "unreachability queues instead of failing")
	assert.False(t, monitor.Online(), "a connectivity failure is a connectivity signal")
}

func TestDrainQueue_NoopWhileOffline(t *testing.T) {
	svc, fake, _, _, cleanup := newService(t, false)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.Write(ctx, "products", models.ActionInsert,
		map[string]any{"name": "beans", "store_id": "3"}, "3")
	require.NoError(t, err)

	report, err := svc.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Confirmed)
	assert.Equal(t, 0, fake.callCount("insert", "products"))

	ops, err := svc.PendingOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 1, "queue must be untouched")
}

func TestDrainQueue_TempKeyRewrite(t *testing.T) {
	svc, _, keeper, monitor, cleanup := newService(t, false)
	defer cleanup()
	ctx := context.Background()

	res, err := svc.Write(ctx, "products", models.ActionInsert,
		map[string]any{"name": "beans", "store_id": "3"}, "3")
	require.NoError(t, err)
	tempKey := res.Record.Key

	monitor.Set(true)
	report, err := svc.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)

	_, err = keeper.GetRecord(ctx, "products", tempKey)
	assert.ErrorIs(t, err, bdkeeper.ErrRecordNotFound, "placeholder row must be gone")

	got, err := keeper.GetRecord(ctx, "products", "100")
	require.NoError(t, err)
	assert.Equal(t, "beans", got.Fields["name"])
}

func TestDrainQueue_PerTableOrdering(t *testing.T) {
	svc, fake, keeper, monitor, cleanup := newService(t, false)
	defer cleanup()
	ctx := context.Background()

	res, err := svc.Write(ctx, "products", models.ActionInsert,
		map[string]any{"name": "beans", "store_id": "3", "selling_price": 0}, "3")
	require.NoError(t, err)
	tempKey := res.Record.Key

	_, err = svc.Write(ctx, "products", models.ActionUpdate,
		map[string]any{"id": tempKey, "name": "beans", "store_id": "3", "selling_price": 1}, "3")
	require.NoError(t, err)
	_, err = svc.Write(ctx, "products", models.ActionUpdate,
		map[string]any{"id": tempKey, "name": "beans", "store_id": "3", "selling_price": 2}, "3")
	require.NoError(t, err)

	monitor.Set(true)
	report, err := svc.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Confirmed)

	got, err := keeper.GetRecord(ctx, "products", "100")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.Fields["selling_price"], "last queued update must win")

	serverRow := fake.tables["products"]["100"]
	assert.Equal(t, float64(2), serverRow["selling_price"], "server saw the updates in order")

	ops, err := svc.PendingOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestDrainQueue_PartialFailureIsolation(t *testing.T) {
	svc, fake, keeper, monitor, cleanup := newService(t, false)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.Write(ctx, "products", models.ActionInsert,
		map[string]any{"name": "beans", "store_id": "3"}, "3")
	require.NoError(t, err)
	_, err = svc.Write(ctx, "sales", models.ActionInsert,
		map[string]any{"product_id": "9", "amount": 50, "store_id": "3"}, "3")
	require.NoError(t, err)

	fake.reject["products"] = &remote.RejectionError{Code: "invalid", Message: "refused"}

	monitor.Set(true)
	report, err := svc.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed, "the unrelated table still drains")
	assert.Equal(t, 1, report.Failed)

	ops, err := svc.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "products", ops[0].Table, "the failed operation stays queued")

	_, err = keeper.GetRecord(ctx, "sales", "100")
	assert.NoError(t, err)
}

func TestDrainQueue_FailedInsertBlocksDependentUpdate(t *testing.T) {
	svc, fake, _, monitor, cleanup := newService(t, false)
	defer cleanup()
	ctx := context.Background()

	res, err := svc.Write(ctx, "products", models.ActionInsert,
		map[string]any{"name": "beans", "store_id": "3"}, "3")
	require.NoError(t, err)
	_, err = svc.Write(ctx, "products", models.ActionUpdate,
		map[string]any{"id": res.Record.Key, "name": "garri", "store_id": "3"}, "3")
	require.NoError(t, err)

	fake.reject["products"] = &remote.RejectionError{Code: "invalid", Message: "refused"}

	monitor.Set(true)
	report, err := svc.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped, "the dependent update must not be attempted")
	assert.Equal(t, 0, fake.callCount("update", "products"))

	ops, err := svc.PendingOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 2, "both operations stay queued for the next pass")
}

func TestDrainQueue_ConnectivityFlapSkipsRemainder(t *testing.T) {
	svc, fake, _, monitor, cleanup := newService(t, false)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Write(ctx, "sales", models.ActionInsert,
			map[string]any{"product_id": "9", "amount": 10 + i, "store_id": "3"}, "3")
		require.NoError(t, err)
	}

	fake.setDown(true)
	monitor.Set(true)
	report, err := svc.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Confirmed)
	assert.Zero(t, report.Failed, "a connectivity failure is not a rejection")
	assert.Equal(t, 3, report.Skipped)
	assert.False(t, monitor.Online())

	ops, err := svc.PendingOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

// End-to-end offline sale: one queued sale, one remote insert call, empty
// queue afterwards, authoritative record in the cache.
func TestOfflineSaleSyncScenario(t *testing.T) {
	svc, fake, keeper, monitor, cleanup := newService(t, false)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.Write(ctx, "sales", models.ActionInsert,
		map[string]any{"product_id": "9", "amount": 50, "store_id": "3"}, "3")
	require.NoError(t, err)

	monitor.Set(true)
	report, err := svc.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 1, fake.callCount("insert", "sales"), "exactly one remote insert")

	ops, err := svc.PendingOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	recs, err := keeper.QueryByScope(ctx, "sales", "3")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "100", recs[0].Key)
	assert.Equal(t, float64(50), recs[0].Fields["amount"])
}

// Convergence: the remote state after queue-then-drain equals the state the
// same call sequence produces when issued directly while online.
func TestConvergenceWithOnlineSequence(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, online bool) *fakeRemote {
		svc, fake, _, monitor, cleanup := newService(t, online)
		t.Cleanup(cleanup)

		res, err := svc.Write(ctx, "products", models.ActionInsert,
			map[string]any{"name": "beans", "store_id": "3"}, "3")
		require.NoError(t, err)
		productKey := res.Record.Key

		_, err = svc.Write(ctx, "products", models.ActionUpdate,
			map[string]any{"id": productKey, "name": "beans 5kg", "store_id": "3"}, "3")
		require.NoError(t, err)

		res, err = svc.Write(ctx, "sales", models.ActionInsert,
			map[string]any{"product_id": productKey, "amount": float64(50), "store_id": "3"}, "3")
		require.NoError(t, err)
		saleKey := res.Record.Key

		_, err = svc.Write(ctx, "sales", models.ActionDelete,
			map[string]any{"id": saleKey}, "3")
		require.NoError(t, err)

		if !online {
			monitor.Set(true)
			report, err := svc.DrainQueue(ctx)
			require.NoError(t, err)
			assert.Zero(t, report.Failed)
			assert.Zero(t, report.Skipped)
		}
		return fake
	}

	direct := run(t, true)
	queued := run(t, false)

	assert.Equal(t, direct.tables["products"], queued.tables["products"])
	assert.Equal(t, direct.tables["sales"], queued.tables["sales"])
}

func TestRead_OnlineOverwritesCache(t *testing.T) {
	svc, fake, keeper, _, cleanup := newService(t, true)
	defer cleanup()
	ctx := context.Background()

	// A stale row that no longer exists remotely.
	require.NoError(t, keeper.UpsertRecord(ctx, models.Record{Table: "products", Key: "old",
		Fields: map[string]any{"id": "old", "name": "gone", "store_id": "3"}}))

	fake.rows("products")["100"] = map[string]any{"id": "100", "name": "beans", "store_id": "3"}

	res, err := svc.Read(ctx, "products", "3")
	require.NoError(t, err)
	assert.False(t, res.Stale)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "100", res.Records[0].Key)

	_, err = keeper.GetRecord(ctx, "products", "old")
	assert.ErrorIs(t, err, bdkeeper.ErrRecordNotFound, "the fresh set overwrites the scope")
}

func TestRead_OfflineServesCacheWithStaleSignal(t *testing.T) {
	svc, fake, keeper, _, cleanup := newService(t, false)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, keeper.UpsertRecord(ctx, models.Record{Table: "products", Key: "1",
		Fields: map[string]any{"id": "1", "name": "beans", "store_id": "3"}}))

	res, err := svc.Read(ctx, "products", "3")
	require.NoError(t, err)
	assert.True(t, res.Stale)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 0, fake.callCount("select", "products"))
}

func TestRead_OfflineNothingCachedIsEmptyNotError(t *testing.T) {
	svc, _, _, _, cleanup := newService(t, false)
	defer cleanup()

	res, err := svc.Read(context.Background(), "products", "3")
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Empty(t, res.Records)
}
