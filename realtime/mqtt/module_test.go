package mqtt

import (
	"testing"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func TestModuleProvidesMultiplexer(t *testing.T) {
	f := &fakeFactory{}
	var m *Multiplexer
	var broker *LocalBroker
	app := fxtest.New(t,
		fx.Supply(Config{QoS: QoS1}),
		fx.Provide(func() ClientFactory { return f.New }),
		Module(),
		fx.Populate(&m, &broker),
	)
	app.RequireStart()

	if m == nil {
		t.Fatal("multiplexer not provided")
	}
	if broker != nil {
		t.Fatal("local broker should be disabled by default")
	}
	m.AddWatcher([]string{"1"}, Callbacks{})
	m.StartSubscriptions(SubscriptionInfo{ClientID: "1", Topics: []string{"1"}})
	m.Flush()
	if got := len(f.all()); got != 1 {
		t.Fatalf("clients mismatch: got=%d want=1", got)
	}

	app.RequireStop()
	_, disconnects, _, _ := f.all()[0].snapshot()
	if disconnects != 1 {
		t.Fatalf("disconnects mismatch: got=%d want=1", disconnects)
	}
}
