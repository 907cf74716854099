package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabforge/collab-backend/internal/tree"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return s
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "Alice@Example.com ", "hunter22")
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "alice@example.com", user.Email, "emails are normalized")
	assert.NotEqual(t, "hunter22", user.Password, "password must be hashed")

	got, err := s.Authenticate(ctx, "alice@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = s.Authenticate(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.Authenticate(ctx, "nobody@example.com", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "a@example.com", "password")
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, "a@example.com", "password")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestListUsersExcludesCaller(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "a@example.com", "password")
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, "b@example.com", "password")
	require.NoError(t, err)

	users, err := s.ListUsers(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "b@example.com", users[0].Email)
}

func TestProjectMembership(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "a@example.com", "password")
	require.NoError(t, err)
	bob, err := s.CreateUser(ctx, "b@example.com", "password")
	require.NoError(t, err)

	project, err := s.CreateProject(ctx, "demo", alice.ID)
	require.NoError(t, err)
	require.Len(t, project.Members, 1, "creator is the first member")

	member, err := s.IsMember(ctx, project.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, member)

	member, err = s.IsMember(ctx, project.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, member)

	_, err = s.IsMember(ctx, "no-such-project", alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddMembers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, _ := s.CreateUser(ctx, "a@example.com", "password")
	bob, _ := s.CreateUser(ctx, "b@example.com", "password")
	eve, _ := s.CreateUser(ctx, "e@example.com", "password")

	project, err := s.CreateProject(ctx, "demo", alice.ID)
	require.NoError(t, err)

	// Non-members may not add users
	_, err = s.AddMembers(ctx, project.ID, eve.ID, []string{bob.ID})
	assert.ErrorIs(t, err, ErrNotMember)

	updated, err := s.AddMembers(ctx, project.ID, alice.ID, []string{bob.ID})
	require.NoError(t, err)
	assert.Len(t, updated.Members, 2)

	// Re-adding is a no-op, not a duplicate
	updated, err = s.AddMembers(ctx, project.ID, alice.ID, []string{bob.ID})
	require.NoError(t, err)
	assert.Len(t, updated.Members, 2)

	// Unknown user ids are rejected
	_, err = s.AddMembers(ctx, project.ID, alice.ID, []string{"ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateProjectName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, _ := s.CreateUser(ctx, "a@example.com", "password")
	_, err := s.CreateProject(ctx, "demo", alice.ID)
	require.NoError(t, err)
	_, err = s.CreateProject(ctx, "demo", alice.ID)
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestListProjectsFor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, _ := s.CreateUser(ctx, "a@example.com", "password")
	bob, _ := s.CreateUser(ctx, "b@example.com", "password")

	_, err := s.CreateProject(ctx, "alpha", alice.ID)
	require.NoError(t, err)
	_, err = s.CreateProject(ctx, "beta", bob.ID)
	require.NoError(t, err)

	projects, err := s.ListProjectsFor(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "alpha", projects[0].Name)
}

func TestFileTreePersistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, _ := s.CreateUser(ctx, "a@example.com", "password")
	project, err := s.CreateProject(ctx, "demo", alice.ID)
	require.NoError(t, err)

	// New projects start with an empty tree
	got, err := s.LoadFileTree(ctx, project.ID)
	require.NoError(t, err)
	assert.Empty(t, got)

	newTree := tree.Tree{
		"app.js": tree.NewFile("console.log('hi')"),
		"src":    tree.NewDir(tree.Tree{"a.js": tree.NewFile("1")}),
	}
	require.NoError(t, s.SaveFileTree(ctx, project.ID, newTree))

	got, err = s.LoadFileTree(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, newTree, got)

	err = s.SaveFileTree(ctx, "no-such-project", newTree)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.LoadFileTree(ctx, "no-such-project")
	assert.ErrorIs(t, err, ErrNotFound)
}
