package status

import (
	"errors"
	"testing"
)

func TestCodeString(t *testing.T) {
	cases := []struct {
		code Code
		want string
	}{
		{Success, "Success"},
		{ExistLink, "ExistLink"},
		{AlreadyLink, "AlreadyLink"},
		{Code(9999), "UnknownError"},
		{Code(-1), "UnknownError"},
	}
	for _, c := range cases {
		if got := c.code.String(); got != c.want {
			t.Errorf("Code(%d).String() = %q, want %q", c.code, got, c.want)
		}
	}
}

func TestNewAndError(t *testing.T) {
	err := New(ParamInvalid, "TestOp", "bad value %d", 7)
	if err.Code != ParamInvalid {
		t.Fatalf("Code = %v, want ParamInvalid", err.Code)
	}
	want := "TestOp: ParamInvalid: bad value 7"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(Failed, "op", nil) != nil {
		t.Fatal("Wrap(..., nil) must return nil")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("underlying failure")
	wrapped := Wrap(Failed, "TestOp", cause)
	if !errors.Is(wrapped, cause) {
		t.Fatal("wrapped error must unwrap to the original cause")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != Success {
		t.Fatal("CodeOf(nil) must be Success")
	}
	serr := New(KVCacheNotExist, "op", "missing")
	if CodeOf(serr) != KVCacheNotExist {
		t.Fatalf("CodeOf(serr) = %v, want KVCacheNotExist", CodeOf(serr))
	}
	if CodeOf(errors.New("plain")) != UnknownError {
		t.Fatal("CodeOf(plain error) must be UnknownError")
	}
}

func TestCodeOfThroughStatusWrap(t *testing.T) {
	serr := New(LinkFailed, "op", "down")
	outer := Wrap(Failed, "Outer", serr)
	if CodeOf(outer) != Failed {
		t.Fatalf("outer wrap carries its own code Failed, got %v", CodeOf(outer))
	}
	if !errors.Is(outer, serr) {
		t.Fatal("outer must unwrap to the inner *Error via pkg/errors.WithStack")
	}
}
