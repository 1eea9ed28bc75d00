package rbac

import "testing"

func TestOwnerCanEverything(t *testing.T) {
	ops := []Operation{
		OpReadProject, OpWriteProject, OpDeleteProject,
		OpReadMembers, OpManageMembers, OpReadInvitations, OpCreateInvitation,
	}
	for _, op := range ops {
		if !Can(RoleOwner, op) {
			t.Errorf("owner denied %s", op)
		}
	}
}

func TestEditorPermissions(t *testing.T) {
	allowed := []Operation{OpReadProject, OpWriteProject, OpReadMembers, OpReadInvitations, OpCreateInvitation}
	for _, op := range allowed {
		if !Can(RoleEditor, op) {
			t.Errorf("editor denied %s", op)
		}
	}
	denied := []Operation{OpDeleteProject, OpManageMembers}
	for _, op := range denied {
		if Can(RoleEditor, op) {
			t.Errorf("editor allowed %s", op)
		}
	}
}

func TestViewerIsReadOnly(t *testing.T) {
	if !Can(RoleViewer, OpReadProject) || !Can(RoleViewer, OpReadMembers) {
		t.Error("viewer should be able to read project and members")
	}
	denied := []Operation{OpWriteProject, OpDeleteProject, OpManageMembers, OpReadInvitations, OpCreateInvitation}
	for _, op := range denied {
		if Can(RoleViewer, op) {
			t.Errorf("viewer allowed %s", op)
		}
	}
}

func TestNoMembershipDeniedEverything(t *testing.T) {
	for _, op := range []Operation{OpReadProject, OpWriteProject, OpDeleteProject, OpReadMembers, OpManageMembers, OpReadInvitations, OpCreateInvitation} {
		if Can(Role(""), op) {
			t.Errorf("empty role allowed %s", op)
		}
	}
}

func TestInvitable(t *testing.T) {
	if Invitable(RoleOwner) {
		t.Error("owner must not be invitable")
	}
	if !Invitable(RoleEditor) || !Invitable(RoleViewer) {
		t.Error("editor and viewer should be invitable")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("owner") != RoleOwner {
		t.Error("owner should normalize to owner")
	}
	if Normalize("superadmin") != RoleViewer {
		t.Error("unknown role should normalize to viewer")
	}
}
