package cred

import "testing"

func TestAccessOwnerGroupOther(t *testing.T) {
	owner := Cred{FSUID: 100, FSGID: 200}
	group := Cred{FSUID: 101, FSGID: 200}
	other := Cred{FSUID: 102, FSGID: 201}

	mode := uint32(0o640) // rw- r-- ---

	if !Access(owner, 100, 200, mode, ModeRead|ModeWrite, Effective) {
		t.Fatal("owner should have rw")
	}
	if Access(group, 100, 200, mode, ModeWrite, Effective) {
		t.Fatal("group should not have write")
	}
	if !Access(group, 100, 200, mode, ModeRead, Effective) {
		t.Fatal("group should have read")
	}
	if Access(other, 100, 200, mode, ModeRead, Effective) {
		t.Fatal("other should have no access")
	}
}

func TestAccessRootBypassesButNeedsExecBit(t *testing.T) {
	root := Cred{FSUID: 0, FSGID: 0}
	if !Access(root, 100, 200, 0o600, ModeRead|ModeWrite, Effective) {
		t.Fatal("root should bypass rw checks")
	}
	if Access(root, 100, 200, 0o600, ModeExec, Effective) {
		t.Fatal("root still needs some x bit to traverse/execute")
	}
}

func TestCanChangeModeRequiresOwnerOrFOwner(t *testing.T) {
	if !CanChangeMode(Cred{FSUID: 100}, 100) {
		t.Fatal("owner should be able to chmod")
	}
	if CanChangeMode(Cred{FSUID: 101}, 100) {
		t.Fatal("non-owner without CAP_FOWNER should not")
	}
	if !CanChangeMode(Cred{FSUID: 101, Caps: map[Capability]bool{CapFOwner: true}}, 100) {
		t.Fatal("CAP_FOWNER should bypass")
	}
}
