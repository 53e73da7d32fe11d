package relay

import (
	"errors"
	"testing"

	"github.com/ehrlich-b/devroom/internal/filetree"
)

func testStore(t *testing.T) *RelayStore {
	t.Helper()
	s, err := OpenRelay(":memory:")
	if err != nil {
		t.Fatalf("open relay store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUser(t *testing.T, s *RelayStore, email string) *User {
	t.Helper()
	u, err := s.CreateUser(email, "hash")
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func TestStoreUsers(t *testing.T) {
	s := testStore(t)
	a := mustUser(t, s, "A@Example.com ")
	if a.Email != "a@example.com" {
		t.Errorf("email not normalised: %q", a.Email)
	}
	if _, err := s.CreateUser("a@example.com", "x"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("duplicate email: got %v, want ErrEmailTaken", err)
	}
	b := mustUser(t, s, "b@example.com")

	got, err := s.GetUserByEmail("a@example.com")
	if err != nil || got == nil || got.ID != a.ID {
		t.Fatalf("get by email: %+v %v", got, err)
	}
	missing, err := s.GetUserByEmail("nobody@example.com")
	if err != nil || missing != nil {
		t.Errorf("missing user: %+v %v", missing, err)
	}

	others, err := s.ListUsersExcept(a.ID)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(others) != 1 || others[0].ID != b.ID {
		t.Errorf("ListUsersExcept = %+v", others)
	}
}

func TestStoreProjectLifecycle(t *testing.T) {
	s := testStore(t)
	owner := mustUser(t, s, "owner@example.com")

	tree := filetree.Tree{"index.js": filetree.NewFile("console.log(1)")}
	p, err := s.CreateProject("demo", owner.ID, "custom", tree)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if len(p.Users) != 1 || p.Users[0] != owner.ID {
		t.Errorf("owner not a member: %v", p.Users)
	}

	got, err := s.GetProjectWithUsers(p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if !filetree.Equal(got.FileTree, tree) {
		t.Errorf("file tree mismatch")
	}
	if len(got.Collaborators) != 1 || got.Collaborators[0].Email != "owner@example.com" {
		t.Errorf("collaborators = %+v", got.Collaborators)
	}

	list, err := s.ListProjectsForUser(owner.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("list projects: %v %v", list, err)
	}

	if _, err := s.DeleteProject(p.ID, owner.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	gone, err := s.GetProject(p.ID)
	if err != nil || gone != nil {
		t.Errorf("project still present: %+v %v", gone, err)
	}
}

func TestAddCollaboratorsIsUnion(t *testing.T) {
	s := testStore(t)
	u1 := mustUser(t, s, "u1@example.com")
	u2 := mustUser(t, s, "u2@example.com")
	u3 := mustUser(t, s, "u3@example.com")

	p, err := s.CreateProject("demo", u1.ID, "custom", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p, err = s.AddCollaborators(p.ID, u1.ID, []string{u2.ID, u1.ID})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	p, err = s.AddCollaborators(p.ID, u2.ID, []string{u3.ID, u2.ID, u3.ID})
	if err != nil {
		t.Fatalf("add again: %v", err)
	}
	want := []string{u1.ID, u2.ID, u3.ID}
	if len(p.Users) != len(want) {
		t.Fatalf("users = %v, want %v", p.Users, want)
	}
	for i := range want {
		if p.Users[i] != want[i] {
			t.Errorf("users[%d] = %s, want %s", i, p.Users[i], want[i])
		}
	}
}

func TestAddCollaboratorsRequiresMembership(t *testing.T) {
	s := testStore(t)
	owner := mustUser(t, s, "owner@example.com")
	outsider := mustUser(t, s, "out@example.com")
	p, _ := s.CreateProject("demo", owner.ID, "custom", nil)

	if _, err := s.AddCollaborators(p.ID, outsider.ID, []string{outsider.ID}); !errors.Is(err, ErrNotMember) {
		t.Fatalf("outsider add: got %v, want ErrNotMember", err)
	}
	got, _ := s.GetProject(p.ID)
	if len(got.Users) != 1 {
		t.Errorf("project changed after rejected add: %v", got.Users)
	}

	if _, err := s.AddCollaborators(p.ID, owner.ID, []string{"9b2b7f1e-8a53-4a57-9d43-6a4b7a51f0aa"}); err == nil {
		t.Error("expected error for unknown user")
	}
	if _, err := s.DeleteProject(p.ID, outsider.ID); !errors.Is(err, ErrNotMember) {
		t.Errorf("outsider delete: got %v, want ErrNotMember", err)
	}
}

func TestUpdateFileTreeRoundTrip(t *testing.T) {
	s := testStore(t)
	owner := mustUser(t, s, "owner@example.com")
	p, _ := s.CreateProject("demo", owner.ID, "custom", nil)

	tree := filetree.Tree{
		"src": filetree.NewDir(filetree.Tree{
			"a.js":  filetree.NewFile("a"),
			"empty": filetree.NewDir(nil),
		}),
	}
	if _, err := s.UpdateFileTree(p.ID, tree); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetProject(p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !filetree.Equal(got.FileTree, tree) {
		t.Errorf("round trip mismatch")
	}

	bad := filetree.Tree{"a/b": filetree.NewFile("")}
	var ve *ValidationError
	if _, err := s.UpdateFileTree(p.ID, bad); !errors.As(err, &ve) {
		t.Errorf("invalid tree: got %v, want ValidationError", err)
	}
	if _, err := s.UpdateFileTree("9b2b7f1e-8a53-4a57-9d43-6a4b7a51f0aa", tree); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing project: got %v, want ErrNotFound", err)
	}
}

func TestGenerateOrLoadSecret(t *testing.T) {
	s := testStore(t)
	first, err := GenerateOrLoadSecret(s, "")
	if err != nil || len(first) != 32 {
		t.Fatalf("generate: %d bytes, %v", len(first), err)
	}
	second, err := GenerateOrLoadSecret(s, "")
	if err != nil || string(first) != string(second) {
		t.Errorf("secret not persisted")
	}
	plain, err := GenerateOrLoadSecret(s, "not base64!")
	if err != nil || string(plain) != "not base64!" {
		t.Errorf("plain secret: %q %v", plain, err)
	}
}
