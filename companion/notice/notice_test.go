package notice

import "testing"

func TestFor_EveryKindHasOneAction(t *testing.T) {
	kinds := []Kind{
		PermissionDenied, ServicesDisabled, RadioDisabled, ScanThrottled, ScanFailed,
		EmptySsid, EmptyPassword, PasswordTooShort, TransmissionError, UnexpectedDisconnect,
	}
	for _, k := range kinds {
		n := For(k, "")
		if n.Kind != k {
			t.Errorf("Expected kind %s, got %s", k, n.Kind)
		}
		if n.Title == "" || n.Message == "" || n.Action == "" {
			t.Errorf("Expected complete notice for %s, got %+v", k, n)
		}
	}
}

func TestFor_Detail(t *testing.T) {
	n := For(UnexpectedDisconnect, "Lost connection to Sleep Pad.")
	if n.Message != "Lost connection to Sleep Pad." {
		t.Errorf("Expected detail to replace the message, got %q", n.Message)
	}
	if n.Action != ReturnToDiscovery {
		t.Errorf("Expected return_to_discovery action, got %s", n.Action)
	}
}

func TestFor_UnknownKind(t *testing.T) {
	n := For(Kind("bogus"), "")
	if n.Action != Dismiss {
		t.Errorf("Expected dismiss action for unknown kind, got %s", n.Action)
	}
}
