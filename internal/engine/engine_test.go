package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/ordertask/internal/alerting"
	"github.com/tathienbao/ordertask/internal/broker"
	"github.com/tathienbao/ordertask/internal/broker/paper"
	"github.com/tathienbao/ordertask/internal/metrics"
	"github.com/tathienbao/ordertask/internal/order"
	"github.com/tathienbao/ordertask/internal/persistence"
	"github.com/tathienbao/ordertask/internal/task"
	"github.com/tathienbao/ordertask/internal/types"
)

const eurusd = "EUR/USD"

// Test helpers
func newPaper() *paper.Broker {
	cfg := paper.DefaultConfig()
	cfg.FillDelay = 20 * time.Millisecond
	return paper.NewBroker(cfg, nil)
}

func createTestEngine(t *testing.T, cfg Config) (*Engine, *paper.Broker, *alerting.MockAlerter) {
	t.Helper()

	host := newPaper()
	mock := alerting.NewMockAlerter()
	e := NewEngine(cfg, host, nil, alerting.NewMultiAlerter(nil, mock), nil)
	return e, host, mock
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
}

func waitTask(t *testing.T, tk *task.Task) ([]types.OrderEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := tk.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("%s did not resolve", tk.Operation())
	}
	return events, err
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func submit(t *testing.T, e *Engine, side types.Side, label string) types.Order {
	t.Helper()
	events, err := waitTask(t, e.Orders().Submit(context.Background(), types.OrderParams{
		Label:      label,
		Instrument: eurusd,
		Side:       side,
		Amount:     decimal.NewFromFloat(0.1),
	}))
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", label, err)
	}
	if len(events) != 1 || events[0].Kind != types.EventFullyFilled {
		t.Fatalf("Submit(%s) events = %v, want FULLY_FILLED", label, events)
	}
	return events[0].Order
}

func hasAlert(mock *alerting.MockAlerter, event alerting.AlertEvent) bool {
	for _, a := range mock.Alerts() {
		if v, ok := a.Field("event"); ok && v == string(event) {
			return true
		}
	}
	return false
}

func TestNewEngine(t *testing.T) {
	e, _, _ := createTestEngine(t, DefaultConfig())

	if e.IsRunning() {
		t.Error("engine should not be running before Start")
	}
	if e.Orders() == nil || e.Positions() == nil || e.Gateway() == nil {
		t.Error("components should be built by NewEngine")
	}
}

func TestEngine_Start_Success(t *testing.T) {
	e, host, mock := createTestEngine(t, DefaultConfig())
	startEngine(t, e)

	if !e.IsRunning() {
		t.Error("engine should be running")
	}
	if !host.IsConnected() {
		t.Error("host should be connected")
	}
	if !e.Gateway().IsRunning() {
		t.Error("gateway should be running")
	}
	if !hasAlert(mock, alerting.EventEngineStarted) {
		t.Error("expected engine_started alert")
	}
}

func TestEngine_Start_AlreadyRunning(t *testing.T) {
	e, _, _ := createTestEngine(t, DefaultConfig())
	startEngine(t, e)

	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestEngine_Stop_Graceful(t *testing.T) {
	e, host, mock := createTestEngine(t, DefaultConfig())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if e.IsRunning() {
		t.Error("engine should not be running")
	}
	if host.IsConnected() {
		t.Error("host should be disconnected")
	}
	if e.Gateway().IsRunning() {
		t.Error("gateway should be stopped")
	}
	if !hasAlert(mock, alerting.EventEngineStopped) {
		t.Error("expected engine_stopped alert")
	}
}

func TestEngine_Stop_NotRunning(t *testing.T) {
	e, _, _ := createTestEngine(t, DefaultConfig())
	if err := e.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on idle engine error = %v", err)
	}
}

func TestEngine_Stop_ReleasesPendingTasks(t *testing.T) {
	// The fill delay keeps the submit pending until Stop.
	host := paper.NewBroker(paper.Config{
		FillDelay:   time.Hour,
		EventBuffer: 16,
		Prices:      map[string]decimal.Decimal{eurusd: decimal.RequireFromString("1.1")},
	}, nil)
	slow := NewEngine(DefaultConfig(), host, nil, nil, nil)
	if err := slow.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	tk := slow.Orders().Submit(context.Background(), types.OrderParams{
		Instrument: eurusd,
		Side:       types.SideLong,
		Amount:     decimal.NewFromFloat(0.1),
	})
	eventually(t, "registration", func() bool { return slow.Gateway().Pending() == 1 })

	if err := slow.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := waitTask(t, tk); !errors.Is(err, types.ErrGatewayStopped) {
		t.Errorf("pending submit error = %v, want ErrGatewayStopped", err)
	}
}

func TestEngine_SubmitTracksPosition(t *testing.T) {
	e, _, _ := createTestEngine(t, DefaultConfig())
	startEngine(t, e)

	o := submit(t, e, types.SideLong, "first")

	eventually(t, "tracked filled order", func() bool {
		return len(e.Positions().FilledOrders(eurusd)) == 1
	})
	if got := e.Positions().FilledOrders(eurusd)[0].ID(); got != o.ID() {
		t.Errorf("tracked order = %s, want %s", got, o.ID())
	}
}

func TestEngine_ClosePosition_MergesThenCloses(t *testing.T) {
	e, _, _ := createTestEngine(t, DefaultConfig())
	startEngine(t, e)

	submit(t, e, types.SideLong, "a")
	submit(t, e, types.SideLong, "b")
	eventually(t, "two filled orders", func() bool {
		return len(e.Positions().FilledOrders(eurusd)) == 2
	})

	events, err := waitTask(t, e.Orders().ClosePosition(context.Background(), eurusd, order.ClosePositionParams{
		MergeLabel: "eur-merged",
	}))
	if err != nil {
		t.Fatalf("ClosePosition() error = %v", err)
	}
	if len(events) != 2 || events[0].Kind != types.EventMergeOK || events[1].Kind != types.EventCloseOK {
		t.Fatalf("events = %v, want [MERGE_OK CLOSE_OK]", events)
	}
	if got := events[1].Order.Label(); got != "eur-merged" {
		t.Errorf("closed order label = %q, want eur-merged", got)
	}
	eventually(t, "flat position", func() bool {
		return len(e.Positions().FilledOrders(eurusd)) == 0
	})
}

func TestEngine_ClosePosition_FlatMergeSkipsClose(t *testing.T) {
	e, _, _ := createTestEngine(t, DefaultConfig())
	startEngine(t, e)

	submit(t, e, types.SideLong, "long")
	submit(t, e, types.SideShort, "short")
	eventually(t, "two filled orders", func() bool {
		return len(e.Positions().FilledOrders(eurusd)) == 2
	})

	events, err := waitTask(t, e.Orders().ClosePosition(context.Background(), eurusd, order.ClosePositionParams{}))
	if err != nil {
		t.Fatalf("ClosePosition() error = %v", err)
	}
	if len(events) != 1 || events[0].Kind != types.EventMergeCloseOK {
		t.Fatalf("events = %v, want [MERGE_CLOSE_OK]", events)
	}
}

func TestEngine_MergeWithProtectionCancelsFirst(t *testing.T) {
	e, _, _ := createTestEngine(t, DefaultConfig())
	startEngine(t, e)

	a := submit(t, e, types.SideLong, "a")
	b := submit(t, e, types.SideLong, "b")
	if _, err := waitTask(t, e.Orders().SetStopLossForPips(context.Background(), a, decimal.NewFromInt(20))); err != nil {
		t.Fatalf("SetStopLossForPips() error = %v", err)
	}
	if _, err := waitTask(t, e.Orders().SetTakeProfitForPips(context.Background(), b, decimal.NewFromInt(30))); err != nil {
		t.Fatalf("SetTakeProfitForPips() error = %v", err)
	}

	// The paper host rejects merges of orders with SL/TP, so this only
	// succeeds because protection is cancelled first.
	events, err := waitTask(t, e.Orders().CancelSLTPAndMerge(context.Background(), "ab", []types.Order{a, b}, order.MergeOptions{}))
	if err != nil {
		t.Fatalf("CancelSLTPAndMerge() error = %v", err)
	}
	if last := events[len(events)-1]; last.Kind != types.EventMergeOK {
		t.Errorf("last event = %s, want MERGE_OK", last.Kind)
	}
	if !a.StopLoss().IsZero() || !b.TakeProfit().IsZero() {
		t.Error("protection should be cancelled")
	}
}

func TestEngine_ImportsExistingOrders(t *testing.T) {
	host := newPaper()
	if err := host.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	o, err := host.Submit(types.OrderParams{Instrument: eurusd, Side: types.SideLong, Amount: decimal.NewFromFloat(0.2)})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	eventually(t, "paper fill", func() bool { return o.State() == types.OrderStateFilled })

	e := NewEngine(DefaultConfig(), host, nil, nil, nil)
	startEngine(t, e)

	if got := e.Positions().Len(); got != 1 {
		t.Errorf("tracked orders = %d, want 1", got)
	}
	if got := e.Positions().Instruments(); len(got) != 1 || got[0] != eurusd {
		t.Errorf("Instruments() = %v, want [%s]", got, eurusd)
	}
}

func TestEngine_ClosePositionsOnShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClosePositionsOnShutdown = true
	e, _, _ := createTestEngine(t, cfg)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	o := submit(t, e, types.SideLong, "open")
	eventually(t, "tracked order", func() bool {
		return len(e.Positions().FilledOrders(eurusd)) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if o.State() != types.OrderStateClosed {
		t.Errorf("order state = %s, want closed", o.State())
	}
}

func TestEngine_JournalsEventsAndTasks(t *testing.T) {
	repo, err := persistence.NewSQLiteRepository(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	e := NewEngine(DefaultConfig(), newPaper(), repo, nil, nil)
	startEngine(t, e)

	tk := e.Orders().Submit(context.Background(), types.OrderParams{
		Instrument: eurusd,
		Side:       types.SideLong,
		Amount:     decimal.NewFromFloat(0.1),
	})
	events, err := waitTask(t, tk)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	orderID := events[0].Order.ID()

	ctx := context.Background()
	eventually(t, "journaled events", func() bool {
		recs, err := repo.GetOrderEvents(ctx, orderID)
		return err == nil && len(recs) == 2
	})
	eventually(t, "journaled task", func() bool {
		rec, err := repo.GetTask(ctx, tk.ID())
		return err == nil && rec != nil && rec.Status == persistence.TaskSucceeded
	})
}

func TestEngine_AlertsOnRejectedPositionTask(t *testing.T) {
	e, host, mock := createTestEngine(t, DefaultConfig())
	startEngine(t, e)

	submit(t, e, types.SideLong, "a")
	submit(t, e, types.SideLong, "b")
	eventually(t, "two filled orders", func() bool {
		return len(e.Positions().FilledOrders(eurusd)) == 2
	})

	host.InjectReject(types.FamilyMerge, 1)
	_, err := waitTask(t, e.Orders().MergePosition(context.Background(), eurusd, order.MergePositionParams{}))
	if !types.IsReject(err) {
		t.Fatalf("MergePosition() error = %v, want reject", err)
	}
	eventually(t, "task_rejected alert", func() bool {
		return hasAlert(mock, alerting.EventTaskRejected)
	})
}

func TestEngine_DetectsHostDisconnect(t *testing.T) {
	e, host, mock := createTestEngine(t, DefaultConfig())
	startEngine(t, e)

	_ = host.Disconnect()
	e.checkStatus(context.Background())

	if !hasAlert(mock, alerting.EventHostDisconnected) {
		t.Error("expected host_disconnected alert")
	}
	if host.State() != broker.StateDisconnected {
		t.Errorf("host state = %s, want disconnected", host.State())
	}
}

type failingHost struct {
	*paper.Broker
	err error
}

func (h *failingHost) Connect(context.Context) error { return h.err }

func TestEngine_Start_ConnectFailure(t *testing.T) {
	refused := errors.New("connection refused")
	e := NewEngine(DefaultConfig(), &failingHost{Broker: newPaper(), err: refused}, nil, nil, nil)

	err := e.Start(context.Background())
	if !errors.Is(err, refused) {
		t.Fatalf("Start() error = %v, want %v", err, refused)
	}
	if e.IsRunning() {
		t.Error("engine should not be running after a failed start")
	}
}

func health(t *testing.T, srv *metrics.Server, path string) (int, metrics.HealthStatus) {
	t.Helper()
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var status metrics.HealthStatus
	if path == "/health" {
		if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return w.Code, status
}

func TestEngine_HealthChecks(t *testing.T) {
	e, host, _ := createTestEngine(t, DefaultConfig())
	startEngine(t, e)

	srv := metrics.NewServer(metrics.DefaultServerConfig(), nil)
	e.RegisterHealthChecks(srv)

	code, status := health(t, srv, "/health")
	if code != http.StatusOK || status.Status != metrics.StatusHealthy {
		t.Fatalf("/health = %d %s, want 200 healthy", code, status.Status)
	}
	if got := status.Checks["host"]; got != metrics.Healthy("connected") {
		t.Errorf("host check = %+v, want healthy connected", got)
	}
	if got := status.Checks["gateway"]; got.Status != metrics.StatusHealthy || got.Message != "0 pending registrations" {
		t.Errorf("gateway check = %+v, want healthy with 0 pending registrations", got)
	}
	if code, _ := health(t, srv, "/ready"); code != http.StatusOK {
		t.Errorf("/ready = %d, want 200", code)
	}

	e.Gateway().Stop()

	if code, _ := health(t, srv, "/ready"); code != http.StatusServiceUnavailable {
		t.Errorf("/ready after gateway stop = %d, want 503", code)
	}
	code, status = health(t, srv, "/health")
	if code != http.StatusServiceUnavailable {
		t.Errorf("/health after gateway stop = %d, want 503", code)
	}
	if got := status.Checks["gateway"]; got != metrics.Unhealthy("stopped") {
		t.Errorf("gateway check = %+v, want unhealthy stopped", got)
	}
	if got := status.Checks["host"]; got.Status != metrics.StatusHealthy {
		t.Errorf("host check = %+v, want healthy while connected", got)
	}

	_ = host.Disconnect()
	_, status = health(t, srv, "/health")
	if got := status.Checks["host"]; got != metrics.Unhealthy(broker.StateDisconnected.String()) {
		t.Errorf("host check = %+v, want unhealthy %s", got, broker.StateDisconnected)
	}
}
