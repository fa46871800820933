package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrWorldNotFound,
		ErrBadRequest,
		ErrStopped,
		ErrForbidden,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
	if e := NewError(ErrStopped, "shutting down"); e.Type != TypeError || e.Code != ErrStopped {
		t.Fatalf("NewError = %+v", e)
	}
}
