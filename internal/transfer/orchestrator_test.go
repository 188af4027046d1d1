package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dispo-voice/internal/config"
	"dispo-voice/internal/legs"
	"dispo-voice/internal/telephony"
)

type ctrlCall struct {
	op        string
	legID     string
	target    string
	commandID string
}

// fakeController records platform commands and injects failures per op.
type fakeController struct {
	mu        sync.Mutex
	calls     []ctrlCall
	dialLegID string
	errs      map[string]error
}

func newFakeController() *fakeController {
	return &fakeController{dialLegID: "K1", errs: map[string]error{}}
}

func (f *fakeController) record(c ctrlCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[c.op]; err != nil {
		return err
	}
	f.calls = append(f.calls, c)
	return nil
}

func (f *fakeController) Dial(ctx context.Context, req telephony.DialRequest) (string, error) {
	if err := f.record(ctrlCall{op: "dial", target: req.To}); err != nil {
		return "", err
	}
	return f.dialLegID, nil
}

func (f *fakeController) Bridge(ctx context.Context, legID, targetLegID, commandID string) error {
	return f.record(ctrlCall{op: "bridge", legID: legID, target: targetLegID, commandID: commandID})
}

func (f *fakeController) Transfer(ctx context.Context, legID, to, commandID string) error {
	return f.record(ctrlCall{op: "transfer", legID: legID, target: to, commandID: commandID})
}

func (f *fakeController) Hangup(ctx context.Context, legID string) error {
	return f.record(ctrlCall{op: "hangup", legID: legID})
}

func (f *fakeController) PlaybackStart(ctx context.Context, legID, audioURL string, loop bool) error {
	return f.record(ctrlCall{op: "playback_start", legID: legID, target: audioURL})
}

func (f *fakeController) PlaybackStop(ctx context.Context, legID string) error {
	return f.record(ctrlCall{op: "playback_stop", legID: legID})
}

func (f *fakeController) RecordStart(ctx context.Context, legID, channels string) error {
	return f.record(ctrlCall{op: "record_start", legID: legID, target: channels})
}

func (f *fakeController) callsFor(op string) []ctrlCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ctrlCall
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeController) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	ctrl   *fakeController
	reg    *legs.MemoryRegistry
	ledger *MemoryLedger
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := newFakeController()
	reg := legs.NewMemoryRegistry()
	ledger := NewMemoryLedger()
	orch := NewOrchestrator(ctrl, reg, ledger, config.TelnyxConfig{
		ConnectionID: "conn-1",
		WebhookURL:   "https://example.com/webhooks/telnyx",
		CallerID:     "+15550009999",
		MOHAudioURL:  "https://example.com/moh.mp3",
	})
	return &fixture{ctrl: ctrl, reg: reg, ledger: ledger, orch: orch}
}

func (fx *fixture) seedCustomer(t *testing.T, sessionID, legID string) {
	t.Helper()
	if err := fx.reg.SetLeg(context.Background(), sessionID, legs.RoleCustomer, legID); err != nil {
		t.Fatalf("seed customer leg: %v", err)
	}
}

func TestBlindTransfer_IssuesOneCommandAndOneInitiatedRecord(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	rec, err := fx.orch.InitiateBlindTransfer(ctx, "s1", "+15551234567")
	if err != nil {
		t.Fatalf("blind transfer: %v", err)
	}
	if rec.Status != StatusInitiated {
		t.Fatalf("expected initiated, got %q", rec.Status)
	}
	if rec.CommandID == "" {
		t.Fatalf("expected persisted command id")
	}

	transfers := fx.ctrl.callsFor("transfer")
	if len(transfers) != 1 {
		t.Fatalf("expected exactly one transfer command, got %d", len(transfers))
	}
	if transfers[0].legID != "C1" || transfers[0].target != "+15551234567" {
		t.Fatalf("unexpected transfer command %+v", transfers[0])
	}
	if transfers[0].commandID != rec.CommandID {
		t.Fatalf("command id mismatch: sent %q, recorded %q", transfers[0].commandID, rec.CommandID)
	}

	all := fx.ledger.Records()
	if len(all) != 1 || all[0].Status != StatusInitiated {
		t.Fatalf("expected one initiated ledger row, got %+v", all)
	}
}

func TestBlindTransfer_MissingSessionIssuesNoCommands(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.orch.InitiateBlindTransfer(context.Background(), "ghost", "+15551234567")
	if !errors.Is(err, legs.ErrMissingLeg) {
		t.Fatalf("expected ErrMissingLeg, got %v", err)
	}
	if fx.ctrl.callCount() != 0 {
		t.Fatalf("expected zero platform calls, got %d", fx.ctrl.callCount())
	}
}

func TestBlindTransfer_EmptyDestinationRejectedBeforeAnyWork(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")

	_, err := fx.orch.InitiateBlindTransfer(context.Background(), "s1", "")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if fx.ctrl.callCount() != 0 {
		t.Fatalf("expected zero platform calls, got %d", fx.ctrl.callCount())
	}
	if len(fx.ledger.Records()) != 0 {
		t.Fatalf("expected no ledger rows")
	}
}

func TestBlindTransfer_UpstreamFailureMarksRecordFailedWithDetail(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	fx.ctrl.errs["transfer"] = &telephony.UpstreamError{Status: 422, Detail: "Call is no longer active"}

	_, err := fx.orch.InitiateBlindTransfer(context.Background(), "s1", "+15551234567")
	if err == nil {
		t.Fatalf("expected error")
	}
	var ue *telephony.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected upstream error surfaced verbatim, got %v", err)
	}

	all := fx.ledger.Records()
	if len(all) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(all))
	}
	if all[0].Status != StatusFailed || all[0].FailureDetail != "Call is no longer active" {
		t.Fatalf("expected failed row with platform detail, got %+v", all[0])
	}
}

func TestBlindTransfer_ConcurrentAttemptsOneWinner(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.orch.InitiateBlindTransfer(ctx, "s1", "+15551234567")
		}(i)
	}
	wg.Wait()

	var wins, busy int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrTransferInProgress):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || busy != n-1 {
		t.Fatalf("expected exactly one winner, got %d winners / %d busy", wins, busy)
	}

	initiated := 0
	for _, rec := range fx.ledger.Records() {
		if rec.Status == StatusInitiated {
			initiated++
		}
	}
	if initiated != 1 {
		t.Fatalf("expected exactly one initiated record, got %d", initiated)
	}
}

func TestStartConsult_DialsAndRecordsConsultLeg(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	rec, err := fx.orch.StartConsult(ctx, "s1", "+15551234567")
	if err != nil {
		t.Fatalf("start consult: %v", err)
	}
	if rec.Type != TypeAttended || rec.Status != StatusInitiated {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ConsultLegID != "K1" {
		t.Fatalf("expected consult leg K1, got %q", rec.ConsultLegID)
	}

	sess, err := fx.reg.GetActiveLegs(ctx, "s1")
	if err != nil {
		t.Fatalf("get legs: %v", err)
	}
	if sess.ConsultLegID != "K1" {
		t.Fatalf("registry missing consult leg, got %q", sess.ConsultLegID)
	}

	// Customer hears hold music while the agent consults.
	moh := fx.ctrl.callsFor("playback_start")
	if len(moh) != 1 || moh[0].legID != "C1" {
		t.Fatalf("expected MOH on customer leg, got %+v", moh)
	}

	stored, err := fx.ledger.FindByConsultLeg(ctx, "K1")
	if err != nil {
		t.Fatalf("find by consult leg: %v", err)
	}
	if stored.Status != StatusInitiated || stored.Type != TypeAttended {
		t.Fatalf("unexpected ledger row %+v", stored)
	}
}

func TestStartConsult_SecondAttemptOnSameLegFailsFast(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	if _, err := fx.orch.StartConsult(ctx, "s1", "+15551234567"); err != nil {
		t.Fatalf("first consult: %v", err)
	}
	dialsBefore := len(fx.ctrl.callsFor("dial"))

	_, err := fx.orch.StartConsult(ctx, "s1", "+15559990000")
	if !errors.Is(err, ErrTransferInProgress) {
		t.Fatalf("expected ErrTransferInProgress, got %v", err)
	}
	if len(fx.ctrl.callsFor("dial")) != dialsBefore {
		t.Fatalf("losing attempt must not dial")
	}
}

func TestBridgeConsult_WrongCustomerLegRejected(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	if _, err := fx.orch.StartConsult(ctx, "s1", "+15551234567"); err != nil {
		t.Fatalf("start consult: %v", err)
	}

	_, err := fx.orch.BridgeConsultToAgent(ctx, "C-OTHER", "A1", "K1")
	if !errors.Is(err, ErrInvalidTransferState) {
		t.Fatalf("expected ErrInvalidTransferState, got %v", err)
	}
	if len(fx.ctrl.callsFor("bridge")) != 0 {
		t.Fatalf("mismatched customer leg must not bridge")
	}
}

func TestBridgeConsult_MissingConsultLegZeroNetworkCalls(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.orch.BridgeConsultToAgent(context.Background(), "C1", "A1", "")
	if !errors.Is(err, legs.ErrMissingLeg) {
		t.Fatalf("expected ErrMissingLeg, got %v", err)
	}
	if fx.ctrl.callCount() != 0 {
		t.Fatalf("expected zero platform calls, got %d", fx.ctrl.callCount())
	}
}

func TestCompleteBeforeBridge_InvalidStateAndNoCommands(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	if _, err := fx.orch.StartConsult(ctx, "s1", "+15551234567"); err != nil {
		t.Fatalf("start consult: %v", err)
	}
	before := fx.ctrl.callCount()

	_, err := fx.orch.CompleteAttendedTransfer(ctx, "C1", "K1", "A1")
	if !errors.Is(err, ErrInvalidTransferState) {
		t.Fatalf("expected ErrInvalidTransferState, got %v", err)
	}
	if fx.ctrl.callCount() != before {
		t.Fatalf("expected no platform commands for out-of-order complete")
	}
}

func TestAttendedTransfer_EndToEnd(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	// Phase 1: consult.
	rec, err := fx.orch.StartConsult(ctx, "s1", "+15551234567")
	if err != nil {
		t.Fatalf("start consult: %v", err)
	}
	if rec.ConsultLegID != "K1" {
		t.Fatalf("expected consult leg K1, got %q", rec.ConsultLegID)
	}

	// Phase 2: bridge agent to consult target.
	rec, err = fx.orch.BridgeConsultToAgent(ctx, "C1", "A1", "K1")
	if err != nil {
		t.Fatalf("bridge consult: %v", err)
	}
	if rec.Status != StatusBridged {
		t.Fatalf("expected bridged, got %q", rec.Status)
	}
	bridges := fx.ctrl.callsFor("bridge")
	if len(bridges) != 1 {
		t.Fatalf("expected one bridge command, got %d", len(bridges))
	}
	if bridges[0].legID != "K1" || bridges[0].target != "C1" {
		t.Fatalf("bridge must target consult leg with customer partner, got %+v", bridges[0])
	}
	if bridges[0].commandID == "" {
		t.Fatalf("bridge must carry an idempotency token")
	}

	// Phase 3: complete; agent hands off.
	rec, err = fx.orch.CompleteAttendedTransfer(ctx, "C1", "K1", "A1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q", rec.Status)
	}
	if rec.CompletedAt == nil || rec.CompletedAt.IsZero() {
		t.Fatalf("expected completed_at set")
	}

	stops := fx.ctrl.callsFor("playback_stop")
	hangups := fx.ctrl.callsFor("hangup")
	if len(stops) != 1 || stops[0].legID != "A1" {
		t.Fatalf("expected playback stop on agent leg, got %+v", stops)
	}
	if len(hangups) != 1 || hangups[0].legID != "A1" {
		t.Fatalf("expected hangup on agent leg, got %+v", hangups)
	}

	stored, err := fx.ledger.FindByConsultLeg(ctx, "K1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Status != StatusCompleted || stored.CompletedAt == nil {
		t.Fatalf("ledger row not completed: %+v", stored)
	}
}

func TestCompleteAttendedTransfer_HangupFailureStillCompletes(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	if _, err := fx.orch.StartConsult(ctx, "s1", "+15551234567"); err != nil {
		t.Fatalf("start consult: %v", err)
	}
	if _, err := fx.orch.BridgeConsultToAgent(ctx, "C1", "A1", "K1"); err != nil {
		t.Fatalf("bridge: %v", err)
	}

	fx.ctrl.errs["hangup"] = &telephony.UpstreamError{Status: 422, Detail: "Call has already ended"}

	rec, err := fx.orch.CompleteAttendedTransfer(ctx, "C1", "K1", "A1")
	if err != nil {
		t.Fatalf("expected completion despite hangup failure, got %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q", rec.Status)
	}
}

func TestCompleteAttendedTransfer_MismatchedLegTripleRejected(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	if _, err := fx.orch.StartConsult(ctx, "s1", "+15551234567"); err != nil {
		t.Fatalf("start consult: %v", err)
	}
	if _, err := fx.orch.BridgeConsultToAgent(ctx, "C1", "A1", "K1"); err != nil {
		t.Fatalf("bridge: %v", err)
	}
	before := fx.ctrl.callCount()

	// Wrong customer leg: the consult leg belongs to C1's attempt.
	if _, err := fx.orch.CompleteAttendedTransfer(ctx, "C-OTHER", "K1", "A1"); !errors.Is(err, ErrInvalidTransferState) {
		t.Fatalf("expected ErrInvalidTransferState for wrong customer leg, got %v", err)
	}

	// Wrong agent leg: the hangup must only ever target the leg recorded at
	// bridge time, never a caller-supplied stray.
	if _, err := fx.orch.CompleteAttendedTransfer(ctx, "C1", "K1", "A-STRAY"); !errors.Is(err, ErrInvalidTransferState) {
		t.Fatalf("expected ErrInvalidTransferState for wrong agent leg, got %v", err)
	}

	if fx.ctrl.callCount() != before {
		t.Fatalf("mismatched triples must not issue platform commands")
	}
	stored, err := fx.ledger.FindByConsultLeg(ctx, "K1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Status != StatusBridged {
		t.Fatalf("record must stay bridged, got %q", stored.Status)
	}

	// The correct triple still completes.
	rec, err := fx.orch.CompleteAttendedTransfer(ctx, "C1", "K1", "A1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q", rec.Status)
	}
}

func TestCompleteAttendedTransfer_DuplicateSubmitIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	_, _ = fx.orch.StartConsult(ctx, "s1", "+15551234567")
	_, _ = fx.orch.BridgeConsultToAgent(ctx, "C1", "A1", "K1")
	if _, err := fx.orch.CompleteAttendedTransfer(ctx, "C1", "K1", "A1"); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	before := fx.ctrl.callCount()

	rec, err := fx.orch.CompleteAttendedTransfer(ctx, "C1", "K1", "A1")
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q", rec.Status)
	}
	if fx.ctrl.callCount() != before {
		t.Fatalf("duplicate complete must not issue platform commands")
	}
}

func TestCancelConsult_HangsUpConsultAndFreesCustomerLeg(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	if _, err := fx.orch.StartConsult(ctx, "s1", "+15551234567"); err != nil {
		t.Fatalf("start consult: %v", err)
	}

	rec, err := fx.orch.CancelConsult(ctx, "C1", "K1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", rec.Status)
	}

	hangups := fx.ctrl.callsFor("hangup")
	if len(hangups) != 1 || hangups[0].legID != "K1" {
		t.Fatalf("expected consult leg hangup, got %+v", hangups)
	}
	stops := fx.ctrl.callsFor("playback_stop")
	if len(stops) != 1 || stops[0].legID != "C1" {
		t.Fatalf("expected customer playback stop, got %+v", stops)
	}

	// Customer leg is free again for a new transfer.
	if _, err := fx.orch.InitiateBlindTransfer(ctx, "s1", "+15557770000"); err != nil {
		t.Fatalf("expected new transfer after cancel, got %v", err)
	}
}

func TestCancelConsult_WrongCustomerLegRejected(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	if _, err := fx.orch.StartConsult(ctx, "s1", "+15551234567"); err != nil {
		t.Fatalf("start consult: %v", err)
	}
	before := fx.ctrl.callCount()

	if _, err := fx.orch.CancelConsult(ctx, "C-OTHER", "K1"); !errors.Is(err, ErrInvalidTransferState) {
		t.Fatalf("expected ErrInvalidTransferState, got %v", err)
	}
	if fx.ctrl.callCount() != before {
		t.Fatalf("mismatched customer leg must not hang up the consult leg")
	}
}

func TestInitiateBlindTransfer_BusyLegFailsFastWithoutLedgerInsert(t *testing.T) {
	fx := newFixture(t)
	fx.seedCustomer(t, "s1", "C1")
	ctx := context.Background()

	if _, err := fx.orch.StartConsult(ctx, "s1", "+15551234567"); err != nil {
		t.Fatalf("start consult: %v", err)
	}
	rowsBefore := len(fx.ledger.Records())

	_, err := fx.orch.InitiateBlindTransfer(ctx, "s1", "+15559990000")
	if !errors.Is(err, ErrTransferInProgress) {
		t.Fatalf("expected ErrTransferInProgress, got %v", err)
	}
	if len(fx.ctrl.callsFor("transfer")) != 0 {
		t.Fatalf("busy leg must not be redirected")
	}
	if len(fx.ledger.Records()) != rowsBefore {
		t.Fatalf("busy attempt must not add ledger rows")
	}
}

func TestInFlightBySourceLeg_ReturnsMostRecentInFlight(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	first := Record{ID: "t1", Type: TypeBlind, SourceLegID: "C1", Destination: "+1", Status: StatusInitiated, InitiatedAt: now}
	if err := ledger.Create(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := ledger.MarkFailed(ctx, "t1", "rejected"); err != nil {
		t.Fatalf("fail first: %v", err)
	}

	second := Record{ID: "t2", Type: TypeAttended, SourceLegID: "C1", Destination: "+2", Status: StatusInitiated, InitiatedAt: now.Add(time.Minute)}
	if err := ledger.Create(ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}

	rec, found, err := ledger.InFlightBySourceLeg(ctx, "C1")
	if err != nil {
		t.Fatalf("in-flight lookup: %v", err)
	}
	if !found || rec.ID != "t2" {
		t.Fatalf("expected most recent in-flight t2, got found=%v id=%q", found, rec.ID)
	}

	if err := ledger.MarkFailed(ctx, "t2", "canceled by agent"); err != nil {
		t.Fatalf("fail second: %v", err)
	}
	if _, found, err := ledger.InFlightBySourceLeg(ctx, "C1"); err != nil || found {
		t.Fatalf("expected no in-flight after terminal states, got found=%v err=%v", found, err)
	}
}

func TestLedgerTransitions_TerminalStatesAreTerminal(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	now := time.Now().UTC()

	rec := Record{ID: "t1", Type: TypeAttended, SourceLegID: "C1", ConsultLegID: "K1", Status: StatusInitiated, InitiatedAt: now}
	if err := ledger.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ledger.MarkBridged(ctx, "t1", "A1", "cmd"); err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if err := ledger.MarkCompleted(ctx, "t1", now); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := ledger.MarkFailed(ctx, "t1", "nope"); !errors.Is(err, ErrInvalidTransferState) {
		t.Fatalf("expected terminal completed, got %v", err)
	}
	if err := ledger.MarkBridged(ctx, "t1", "A1", "cmd2"); !errors.Is(err, ErrInvalidTransferState) {
		t.Fatalf("expected terminal completed, got %v", err)
	}
}
