package dmpolicy

import "testing"

func TestCheckAccess_OpenPolicyAllowsImmediately(t *testing.T) {
	m := New(t.TempDir(), 0, "", nil)

	res, err := m.CheckAccess("discord:general", "user-1", "discord")
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if res.Status != AccessAllowed {
		t.Errorf("expected default policy to allow, got %s", res.Status)
	}
}

func TestCheckAccess_PairingRequired_ReturnsSamePendingRequest(t *testing.T) {
	m := New(t.TempDir(), 0, "", nil)
	if err := m.SetPolicy("discord:dm:*", PolicyPairingRequired); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}

	r1, err := m.CheckAccess("discord:dm:42", "user-1", "discord")
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if r1.Status != AccessPending {
		t.Fatalf("expected pending status, got %s", r1.Status)
	}

	r2, err := m.CheckAccess("discord:dm:42", "user-1", "discord")
	if err != nil {
		t.Fatalf("CheckAccess (2nd): %v", err)
	}
	if r2.Request.ID != r1.Request.ID {
		t.Errorf("expected repeated checks to return the same pending request, got %s and %s", r1.Request.ID, r2.Request.ID)
	}
}

func TestApproveRequest_UnblocksAccess(t *testing.T) {
	m := New(t.TempDir(), 0, "", nil)
	if err := m.SetPolicy("discord:dm:*", PolicyPairingRequired); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}

	res, err := m.CheckAccess("discord:dm:42", "user-1", "discord")
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if err := m.ApproveRequest(res.Request.ID); err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}

	res2, err := m.CheckAccess("discord:dm:42", "user-1", "discord")
	if err != nil {
		t.Fatalf("CheckAccess (after approval): %v", err)
	}
	if res2.Status != AccessAllowed {
		t.Errorf("expected approved user to be allowed, got %s", res2.Status)
	}
}

func TestApproveRequest_RejectsReapprovalOfResolvedRequest(t *testing.T) {
	m := New(t.TempDir(), 0, "", nil)
	if err := m.SetPolicy("discord:dm:*", PolicyPairingRequired); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	res, err := m.CheckAccess("discord:dm:42", "user-1", "discord")
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if err := m.ApproveRequest(res.Request.ID); err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}

	if err := m.ApproveRequest(res.Request.ID); err == nil {
		t.Error("expected re-approving an already-resolved request to fail")
	}
}

func TestRejectRequest_RecordsReason(t *testing.T) {
	m := New(t.TempDir(), 0, "", nil)
	if err := m.SetPolicy("discord:dm:*", PolicyPairingRequired); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	res, err := m.CheckAccess("discord:dm:42", "user-1", "discord")
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if err := m.RejectRequest(res.Request.ID, "not recognized"); err != nil {
		t.Fatalf("RejectRequest: %v", err)
	}

	again, err := m.CheckAccess("discord:dm:42", "user-1", "discord")
	if err != nil {
		t.Fatalf("CheckAccess (after rejection): %v", err)
	}
	if again.Status != AccessPending {
		t.Errorf("expected a fresh pairing attempt after rejection, got %s", again.Status)
	}
	if again.Request.ID == res.Request.ID {
		t.Error("expected a new pending request distinct from the rejected one")
	}
}

func TestPairingCode_IsSixUppercaseAlnum(t *testing.T) {
	code, err := pairingCode()
	if err != nil {
		t.Fatalf("pairingCode: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("expected a 6-character code, got %q", code)
	}
	for _, r := range code {
		if !((r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			t.Errorf("unexpected character %q in pairing code %q", r, code)
		}
	}
}
