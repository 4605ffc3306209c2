package gateway

import "testing"

func TestNoneAuthenticator_AlwaysAdmits(t *testing.T) {
	a := NoneAuthenticator{}
	info, err := a.Authenticate("client1", "anything")
	if err != nil || info.ClientID != "client1" {
		t.Fatalf("expected unconditional admission, got %+v, %v", info, err)
	}
}

func TestTokenAuthenticator_AcceptsKnownRejectsUnknown(t *testing.T) {
	a := NewTokenAuthenticator([]string{"tok-a", "tok-b"})

	if _, err := a.Authenticate("c1", "tok-a"); err != nil {
		t.Fatalf("expected known token to authenticate: %v", err)
	}
	if _, err := a.Authenticate("c1", "tok-z"); err == nil {
		t.Fatalf("expected unknown token to be rejected")
	}
}

func TestTokenAuthenticator_AddRemoveToken(t *testing.T) {
	a := NewTokenAuthenticator(nil)
	if _, err := a.Authenticate("c1", "new-tok"); err == nil {
		t.Fatalf("expected rejection before the token is added")
	}
	a.AddToken("new-tok")
	if _, err := a.Authenticate("c1", "new-tok"); err != nil {
		t.Fatalf("expected acceptance after AddToken: %v", err)
	}
	a.RemoveToken("new-tok")
	if _, err := a.Authenticate("c1", "new-tok"); err == nil {
		t.Fatalf("expected rejection after RemoveToken")
	}
}

func TestPasswordAuthenticator(t *testing.T) {
	a := NewPasswordAuthenticator("secret")
	if _, err := a.Authenticate("c1", "secret"); err != nil {
		t.Fatalf("expected matching password to authenticate: %v", err)
	}
	if _, err := a.Authenticate("c1", "wrong"); err == nil {
		t.Fatalf("expected mismatched password to be rejected")
	}
}

func TestTransportIdentityAuthenticator(t *testing.T) {
	a := TransportIdentityAuthenticator{}
	if _, err := a.Authenticate("c1", "asserted-identity"); err != nil {
		t.Fatalf("expected a non-empty asserted identity to authenticate: %v", err)
	}
	if _, err := a.Authenticate("c1", ""); err == nil {
		t.Fatalf("expected an empty asserted identity to be rejected")
	}
}
