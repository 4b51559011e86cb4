package reconcile

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/codelaboratoryltd/meridian/internal/device"
	"github.com/codelaboratoryltd/meridian/internal/naming"
	"github.com/codelaboratoryltd/meridian/internal/store"
	"github.com/codelaboratoryltd/meridian/internal/util"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	cfg.ManagementAddress = net.ParseIP("192.168.88.1")
	return cfg
}

func newTestEngine(gw device.Gateway, opts ...Option) *Engine {
	opts = append([]Option{
		WithConfig(testConfig()),
		WithClock(func() time.Time { return testNow }),
	}, opts...)
	return NewEngine(gw, opts...)
}

func testPackage() *store.Package {
	return &store.Package{
		ID:                  3,
		Name:                "Home 10",
		Profile:             "home-10m",
		ParentDownloadQueue: "DOWNLOAD ALL",
		ParentUploadQueue:   "UPLOAD ALL",
		DownloadMbps:        10,
		UploadMbps:          5,
	}
}

func activeSubscription(customerID int64, pkg *store.Package) *store.Subscription {
	return &store.Subscription{
		ID:             7,
		CustomerID:     customerID,
		PackageID:      pkg.ID,
		Package:        pkg,
		ActivationDate: testNow.Add(-24 * time.Hour),
		ExpiryDate:     testNow.Add(29 * 24 * time.Hour),
		Status:         store.SubscriptionActive,
	}
}

func staticCustomer() *store.Customer {
	return &store.Customer{
		ID:             42,
		Name:           "Budi Santoso",
		ConnectionType: store.ConnectionStaticIP,
		IPAddress:      "192.168.5.0/30",
		BillingMode:    store.BillingPrepaid,
		Status:         store.CustomerActive,
	}
}

func pppoeCustomer() *store.Customer {
	return &store.Customer{
		ID:             17,
		Name:           "Sari",
		ConnectionType: store.ConnectionPPPoE,
		PPPoEUsername:  "sari",
		BillingMode:    store.BillingPrepaid,
		Status:         store.CustomerActive,
	}
}

func outcomes(res Result) map[string]Outcome {
	m := make(map[string]Outcome, len(res.Steps))
	for _, s := range res.Steps {
		m[s.Step] = s.Outcome
	}
	return m
}

func TestDesiredTarget(t *testing.T) {
	pkg := testPackage()
	active := activeSubscription(42, pkg)

	expired := activeSubscription(42, pkg)
	expired.Status = store.SubscriptionExpired

	overdue := activeSubscription(42, pkg)
	overdue.ExpiryDate = testNow

	suspended := staticCustomer()
	suspended.Status = store.CustomerSuspended

	tests := []struct {
		name     string
		customer *store.Customer
		sub      *store.Subscription
		want     Target
	}{
		{"active", staticCustomer(), active, TargetProvisioned},
		{"no subscription", staticCustomer(), nil, TargetUnprovisioned},
		{"expired status", staticCustomer(), expired, TargetUnprovisioned},
		{"expiry reached", staticCustomer(), overdue, TargetUnprovisioned},
		{"suspended customer", suspended, active, TargetUnprovisioned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DesiredTarget(tt.customer, tt.sub, testNow); got != tt.want {
				t.Errorf("DesiredTarget() = %s, want %s", got, tt.want)
			}
		})
	}
}

// Customer #42 buys a 10/5 Mbps package on a /30 block.
func TestApply_StaticCustomerEndToEnd(t *testing.T) {
	ctx := context.Background()
	gw := device.NewMemory()
	gw.AddPacketMark("192.168.5.2-download")
	gw.AddPacketMark("192.168.5.2-upload")
	if err := gw.AddToList(ctx, device.ListNoPackage, "192.168.5.2", ""); err != nil {
		t.Fatal(err)
	}
	base := gw.Writes()

	e := newTestEngine(gw)
	c := staticCustomer()
	sub := activeSubscription(c.ID, testPackage())

	res := e.Apply(ctx, c, sub)
	if res.Status() != store.ReconciliationSynced {
		t.Fatalf("Status() = %s, detail %q", res.Status(), res.Detail())
	}
	if res.Target != TargetProvisioned {
		t.Errorf("Target = %s, want provisioned", res.Target)
	}

	queues := naming.Queues(c.ID, c.Name)
	down, ok := gw.Queue(queues.Download)
	if !ok {
		t.Fatalf("download queue %q not created", queues.Download)
	}
	if down.MaxLimit != "10M" || down.Parent != "DOWNLOAD ALL" || down.PacketMark != "192.168.5.2-download" {
		t.Errorf("download queue = %+v", down)
	}
	up, ok := gw.Queue(queues.Upload)
	if !ok {
		t.Fatalf("upload queue %q not created", queues.Upload)
	}
	if up.MaxLimit != "5M" || up.Parent != "UPLOAD ALL" || up.PacketMark != "192.168.5.2-upload" {
		t.Errorf("upload queue = %+v", up)
	}

	if !gw.InList(device.ListActive, "192.168.5.2") {
		t.Error("host not in active list")
	}
	if gw.InList(device.ListNoPackage, "192.168.5.2") {
		t.Error("host still in no-package list")
	}

	// two queues, one list removal, one list addition
	if got := gw.Writes() - base; got != 4 {
		t.Errorf("writes = %d, want 4", got)
	}
	if got := outcomes(res)[StepVerifyList]; got != OutcomeVerified {
		t.Errorf("verify outcome = %s, want verified", got)
	}

	// A second apply with the same inputs changes nothing.
	base = gw.Writes()
	again := e.Apply(ctx, c, sub)
	if got := gw.Writes() - base; got != 0 {
		t.Errorf("second Apply() issued %d writes, want 0", got)
	}
	if again.Writes() != 0 || again.Status() != store.ReconciliationSynced {
		t.Errorf("second Apply() = %+v", again)
	}

	// Expiry reverts the customer.
	sub.Status = store.SubscriptionExpired
	res = e.Apply(ctx, c, sub)
	if res.Status() != store.ReconciliationSynced {
		t.Fatalf("revert Status() = %s, detail %q", res.Status(), res.Detail())
	}
	if _, ok := gw.Queue(queues.Download); ok {
		t.Error("download queue still present after expiry")
	}
	if _, ok := gw.Queue(queues.Upload); ok {
		t.Error("upload queue still present after expiry")
	}
	if !gw.InList(device.ListNoPackage, "192.168.5.2") || gw.InList(device.ListActive, "192.168.5.2") {
		t.Error("host not moved back to no-package")
	}
}

func TestApply_PPPoE(t *testing.T) {
	ctx := context.Background()
	gw := device.NewMemory()
	gw.PutSecret(device.Secret{Name: "sari", Profile: "no-package"})
	gw.Connect("sari")

	e := newTestEngine(gw)
	c := pppoeCustomer()
	sub := activeSubscription(c.ID, testPackage())

	res := e.Apply(ctx, c, sub)
	if res.Status() != store.ReconciliationSynced {
		t.Fatalf("Status() = %s, detail %q", res.Status(), res.Detail())
	}
	got := outcomes(res)
	if got[StepSecret] != OutcomeApplied || got[StepDisconnect] != OutcomeApplied {
		t.Errorf("outcomes = %v", got)
	}

	secret, err := gw.GetSecret(ctx, "sari")
	if err != nil {
		t.Fatal(err)
	}
	if secret.Profile != "home-10m" || secret.Disabled {
		t.Errorf("secret = %+v", secret)
	}
	if secret.Comment != naming.Comment(c.ID, c.Name) {
		t.Errorf("secret comment = %q", secret.Comment)
	}
	if gw.Connected("sari") {
		t.Error("session not disconnected after profile change")
	}

	base := gw.Writes()
	res = e.Apply(ctx, c, sub)
	if gw.Writes() != base {
		t.Errorf("second Apply() issued %d writes, want 0", gw.Writes()-base)
	}
	if _, ok := outcomes(res)[StepDisconnect]; ok {
		t.Error("second Apply() disconnected the session")
	}

	// Reverting while the customer is offline: not connected is success.
	res = e.Apply(ctx, c, nil)
	if res.Status() != store.ReconciliationSynced {
		t.Fatalf("revert Status() = %s, detail %q", res.Status(), res.Detail())
	}
	secret, _ = gw.GetSecret(ctx, "sari")
	if secret.Profile != "no-package" {
		t.Errorf("reverted profile = %q, want no-package", secret.Profile)
	}
}

func TestApply_PPPoEReenablesDisabledSecret(t *testing.T) {
	ctx := context.Background()
	gw := device.NewMemory()
	gw.PutSecret(device.Secret{Name: "sari", Profile: "home-10m", Disabled: true})
	gw.Connect("sari")

	e := newTestEngine(gw)
	c := pppoeCustomer()
	res := e.Apply(ctx, c, activeSubscription(c.ID, testPackage()))

	secret, _ := gw.GetSecret(ctx, "sari")
	if secret.Disabled {
		t.Error("secret still disabled")
	}
	// Same profile, so the live session is left alone.
	if _, ok := outcomes(res)[StepDisconnect]; ok || !gw.Connected("sari") {
		t.Error("session disconnected although the profile did not change")
	}
}

func TestApply_Rejections(t *testing.T) {
	pkg := testPackage()

	noProfile := testPackage()
	noProfile.Profile = ""

	tests := []struct {
		name     string
		customer func() *store.Customer
		sub      *store.Subscription
		step     string
		wantErr  error
	}{
		{
			name:     "missing secret",
			customer: func() *store.Customer { c := pppoeCustomer(); c.PPPoEUsername = "ghost"; return c },
			sub:      activeSubscription(17, pkg),
			step:     StepSecret,
			wantErr:  device.ErrRejected,
		},
		{
			name:     "missing username",
			customer: func() *store.Customer { c := pppoeCustomer(); c.PPPoEUsername = ""; return c },
			sub:      activeSubscription(17, pkg),
			step:     StepSecret,
			wantErr:  ErrMissingUsername,
		},
		{
			name:     "package without profile",
			customer: pppoeCustomer,
			sub:      activeSubscription(17, noProfile),
			step:     StepSecret,
			wantErr:  ErrMissingProfile,
		},
		{
			name:     "subscription without package",
			customer: pppoeCustomer,
			sub:      &store.Subscription{ID: 9, CustomerID: 17, Status: store.SubscriptionActive, ExpiryDate: testNow.Add(time.Hour)},
			step:     StepPackage,
			wantErr:  ErrNoPackage,
		},
		{
			name:     "management address",
			customer: func() *store.Customer { c := staticCustomer(); c.IPAddress = "192.168.88.1"; return c },
			sub:      activeSubscription(42, pkg),
			step:     StepHostIP,
			wantErr:  util.ErrManagementAddress,
		},
		{
			name:     "broadcast address",
			customer: func() *store.Customer { c := staticCustomer(); c.IPAddress = "10.0.0.255/24"; return c },
			sub:      activeSubscription(42, pkg),
			step:     StepHostIP,
			wantErr:  util.ErrReservedAddress,
		},
		{
			name:     "gateway address",
			customer: func() *store.Customer { c := staticCustomer(); c.IPAddress = "10.0.0.1/24"; return c },
			sub:      activeSubscription(42, pkg),
			step:     StepHostIP,
			wantErr:  util.ErrReservedAddress,
		},
		{
			name:     "no address",
			customer: func() *store.Customer { c := staticCustomer(); c.IPAddress = ""; return c },
			sub:      nil,
			step:     StepHostIP,
			wantErr:  ErrMissingAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := device.NewMemory()
			gw.PutSecret(device.Secret{Name: "sari", Profile: "no-package"})
			e := newTestEngine(gw)

			res := e.Apply(context.Background(), tt.customer(), tt.sub)
			if res.Status() != store.ReconciliationFailed {
				t.Errorf("Status() = %s, want failed", res.Status())
			}
			if len(res.Steps) != 1 {
				t.Fatalf("steps = %v, want a single rejected step", res.Steps)
			}
			s := res.Steps[0]
			if s.Step != tt.step || s.Outcome != OutcomeRejected {
				t.Errorf("step = %s, want %s rejected", s, tt.step)
			}
			if !errors.Is(s.Err, tt.wantErr) {
				t.Errorf("step error = %v, want %v", s.Err, tt.wantErr)
			}
			if gw.Writes() != 0 {
				t.Errorf("rejected apply issued %d writes", gw.Writes())
			}
		})
	}
}

func TestApply_HostOverride(t *testing.T) {
	ctx := context.Background()
	gw := device.NewMemory()

	cfg := testConfig()
	cfg.HostOverrides = map[int64]string{42: "10.20.0.9"}
	e := NewEngine(gw, WithConfig(cfg), WithClock(func() time.Time { return testNow }))

	c := staticCustomer()
	e.Apply(ctx, c, activeSubscription(c.ID, testPackage()))

	if !gw.InList(device.ListActive, "10.20.0.9") {
		t.Error("override address not in active list")
	}
	if gw.InList(device.ListActive, "192.168.5.2") {
		t.Error("derived address used despite override")
	}
}

func TestApply_MissingPacketMarksIsWarning(t *testing.T) {
	gw := device.NewMemory()
	gw.AddPacketMark("192.168.5.2-download")
	e := newTestEngine(gw)
	c := staticCustomer()

	res := e.Apply(context.Background(), c, activeSubscription(c.ID, testPackage()))
	if got := outcomes(res)[StepPacketMark]; got != OutcomePrerequisiteMissing {
		t.Errorf("packet-mark outcome = %s, want prerequisite_missing", got)
	}
	if res.Status() != store.ReconciliationSynced {
		t.Errorf("Status() = %s, want synced", res.Status())
	}
	if res.Detail() == "" {
		t.Error("Detail() should mention the missing marks")
	}
	if _, ok := gw.Queue(naming.Queues(c.ID, c.Name).Download); !ok {
		t.Error("queue not created despite missing marks")
	}
}

func TestApply_DeviceFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"unreachable", &device.Error{Kind: device.KindUnreachable, Op: "get-secret", Err: errors.New("connection refused")}, OutcomeUnreachable},
		{"timeout", &device.Error{Kind: device.KindTimeout, Op: "get-secret", Err: context.DeadlineExceeded}, OutcomeTimeout},
		{"unknown", errors.New("eof"), OutcomeUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := device.NewMemory()
			gw.PutSecret(device.Secret{Name: "sari", Profile: "no-package"})
			gw.FailAll(tt.err)

			c := pppoeCustomer()
			res := newTestEngine(gw).Apply(context.Background(), c, activeSubscription(c.ID, testPackage()))
			if res.Status() != store.ReconciliationFailed {
				t.Errorf("Status() = %s, want failed", res.Status())
			}
			if got := outcomes(res)[StepSecret]; got != tt.want {
				t.Errorf("secret outcome = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApply_PartialSuccess(t *testing.T) {
	gw := device.NewMemory()
	gw.Fail("upsert-queue", &device.Error{Kind: device.KindRejected, Op: "upsert-queue"})
	e := newTestEngine(gw)
	c := staticCustomer()

	res := e.Apply(context.Background(), c, activeSubscription(c.ID, testPackage()))
	if res.Status() != store.ReconciliationFailed {
		t.Errorf("Status() = %s, want failed", res.Status())
	}
	// The list move still happened.
	if !gw.InList(device.ListActive, "192.168.5.2") {
		t.Error("address list step skipped after queue failure")
	}
}

// staleLists acknowledges list additions without applying them.
type staleLists struct {
	*device.Memory
}

func (s staleLists) AddToList(ctx context.Context, list, address, comment string) error {
	return nil
}

func TestApply_InconsistentAfterSettle(t *testing.T) {
	gw := staleLists{device.NewMemory()}
	e := newTestEngine(gw)
	c := staticCustomer()

	res := e.Apply(context.Background(), c, activeSubscription(c.ID, testPackage()))
	if got := outcomes(res)[StepVerifyList]; got != OutcomeInconsistent {
		t.Errorf("verify outcome = %s, want inconsistent", got)
	}
	if res.Status() != store.ReconciliationPending {
		t.Errorf("Status() = %s, want pending", res.Status())
	}
}

func TestApply_ConcurrentSameCustomer(t *testing.T) {
	ctx := context.Background()
	gw := device.NewMemory()
	gw.AddPacketMark("192.168.5.2-download")
	gw.AddPacketMark("192.168.5.2-upload")

	e := newTestEngine(gw)
	c := staticCustomer()
	sub := activeSubscription(c.ID, testPackage())

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Apply(ctx, c, sub)
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if res.Status() != store.ReconciliationSynced {
			t.Errorf("Apply() #%d Status() = %s, detail %q", i, res.Status(), res.Detail())
		}
	}
	// Exactly one call did the work: two queues and one list addition.
	if gw.Writes() != 3 {
		t.Errorf("writes = %d, want 3", gw.Writes())
	}
	if !gw.InList(device.ListActive, "192.168.5.2") {
		t.Error("host not in active list")
	}
}

func TestResult_Status(t *testing.T) {
	tests := []struct {
		name  string
		steps []StepResult
		want  store.ReconciliationStatus
	}{
		{"empty", nil, store.ReconciliationSynced},
		{"applied", []StepResult{{Outcome: OutcomeApplied}, {Outcome: OutcomeUnchanged}}, store.ReconciliationSynced},
		{"warning", []StepResult{{Outcome: OutcomePrerequisiteMissing}}, store.ReconciliationSynced},
		{"inconsistent", []StepResult{{Outcome: OutcomeApplied}, {Outcome: OutcomeInconsistent}}, store.ReconciliationPending},
		{"failed wins", []StepResult{{Outcome: OutcomeInconsistent}, {Outcome: OutcomeTimeout}}, store.ReconciliationFailed},
		{"rejected", []StepResult{{Outcome: OutcomeRejected}}, store.ReconciliationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Result{Steps: tt.steps}).Status(); got != tt.want {
				t.Errorf("Status() = %s, want %s", got, tt.want)
			}
		})
	}
}
