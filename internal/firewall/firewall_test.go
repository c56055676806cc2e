package firewall

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/godbus/dbus/v5"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCaller struct {
	gotMethod string
	gotArgs   []interface{}
	err       error
}

func (f *fakeCaller) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	f.gotMethod = method
	f.gotArgs = args
	return &dbus.Call{Err: f.err}
}

func withFakeCaller(t *testing.T, fc *fakeCaller) {
	t.Helper()
	prev := dialObject
	dialObject = func() (caller, func(), error) { return fc, func() {}, nil }
	t.Cleanup(func() { dialObject = prev })
}

func TestRegisterExceptionCallsAddPortWithZoneProtocolAndNoTimeout(t *testing.T) {
	fc := &fakeCaller{}
	withFakeCaller(t, fc)

	if err := RegisterException(context.Background(), Config{Port: 54792, Protocol: "udp", Logger: discardLogger()}); err != nil {
		t.Fatalf("RegisterException: %v", err)
	}

	if fc.gotMethod != addPortMethod {
		t.Errorf("method = %q, want %q", fc.gotMethod, addPortMethod)
	}
	want := []interface{}{defaultZone, "54792", "udp", 0}
	if len(fc.gotArgs) != len(want) {
		t.Fatalf("args = %#v, want %#v", fc.gotArgs, want)
	}
	for i := range want {
		if fc.gotArgs[i] != want[i] {
			t.Errorf("args[%d] = %#v, want %#v", i, fc.gotArgs[i], want[i])
		}
	}
}

func TestRegisterExceptionPropagatesDBusError(t *testing.T) {
	wantErr := errors.New("boom")
	withFakeCaller(t, &fakeCaller{err: wantErr})

	err := RegisterException(context.Background(), Config{Port: 213, Protocol: "udp", Logger: discardLogger()})
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapping %v", err, wantErr)
	}
}

func TestRegisterExceptionWrapsDialFailure(t *testing.T) {
	prev := dialObject
	dialObject = func() (caller, func(), error) { return nil, nil, ErrNotRunning }
	t.Cleanup(func() { dialObject = prev })

	err := RegisterException(context.Background(), Config{Port: 213, Protocol: "udp", Logger: discardLogger()})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}
