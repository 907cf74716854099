package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/collabforge/collab-backend/internal/tree"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrNameTaken          = errors.New("project name already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotMember          = errors.New("user is not a member of this project")
)

// Store persists users and projects in sqlite via GORM.
type Store struct {
	db *gorm.DB
}

// Verify the store satisfies the synchronizer's persistence contract.
var _ tree.Persister = (*Store)(nil)

// Open opens (creating if needed) the sqlite database at dbPath and runs
// migrations.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent readers alongside the serialized writers
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := db.AutoMigrate(&User{}, &Project{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// CreateUser registers a new user with a bcrypt-hashed password.
func (s *Store) CreateUser(ctx context.Context, email, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &User{
		ID:       uuid.New().String(),
		Email:    strings.ToLower(strings.TrimSpace(email)),
		Password: string(hash),
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Authenticate verifies email/password and returns the matching user.
func (s *Store) Authenticate(ctx context.Context, email, password string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// ListUsers returns all users except the given one.
func (s *Store) ListUsers(ctx context.Context, excludeID string) ([]User, error) {
	var users []User
	err := s.db.WithContext(ctx).
		Where("id <> ?", excludeID).
		Order("email").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// CreateProject creates a project with the creator as its first member.
func (s *Store) CreateProject(ctx context.Context, name, creatorID string) (*Project, error) {
	creator, err := s.GetUser(ctx, creatorID)
	if err != nil {
		return nil, err
	}

	project := &Project{
		ID:       uuid.New().String(),
		Name:     strings.TrimSpace(name),
		FileTree: "{}",
		Members:  []User{*creator},
	}
	if err := s.db.WithContext(ctx).Create(project).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("create project: %w", err)
	}
	return project, nil
}

// GetProject returns a project with its members preloaded.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var project Project
	err := s.db.WithContext(ctx).
		Preload("Members").
		First(&project, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &project, nil
}

// ListProjectsFor returns all projects the user is a member of.
func (s *Store) ListProjectsFor(ctx context.Context, userID string) ([]Project, error) {
	var projects []Project
	err := s.db.WithContext(ctx).
		Preload("Members").
		Joins("JOIN project_members pm ON pm.project_id = projects.id").
		Where("pm.user_id = ?", userID).
		Order("projects.created_at").
		Find(&projects).Error
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// AddMembers adds users to a project. The actor must already be a member.
// Adding an existing member is a no-op (set semantics).
func (s *Store) AddMembers(ctx context.Context, projectID, actorID string, userIDs []string) (*Project, error) {
	member, err := s.IsMember(ctx, projectID, actorID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotMember
	}

	var users []User
	if err := s.db.WithContext(ctx).Find(&users, "id IN ?", userIDs).Error; err != nil {
		return nil, fmt.Errorf("lookup users: %w", err)
	}
	if len(users) != len(userIDs) {
		return nil, fmt.Errorf("%w: unknown user id", ErrNotFound)
	}

	project := &Project{ID: projectID}
	if err := s.db.WithContext(ctx).Model(project).Association("Members").Append(users); err != nil {
		return nil, fmt.Errorf("add members: %w", err)
	}
	return s.GetProject(ctx, projectID)
}

// IsMember reports whether the user belongs to the project.
// Returns ErrNotFound if the project does not exist.
func (s *Store) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	if _, err := s.GetProjectMeta(ctx, projectID); err != nil {
		return false, err
	}
	var count int64
	err := s.db.WithContext(ctx).
		Table("project_members").
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return count > 0, nil
}

// GetProjectMeta returns a project without preloading members.
func (s *Store) GetProjectMeta(ctx context.Context, id string) (*Project, error) {
	var project Project
	err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &project, nil
}

// LoadFileTree returns the project's persisted file tree.
func (s *Store) LoadFileTree(ctx context.Context, projectID string) (tree.Tree, error) {
	project, err := s.GetProjectMeta(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.FileTree == "" {
		return tree.Tree{}, nil
	}
	t, err := tree.Parse([]byte(project.FileTree))
	if err != nil {
		return nil, fmt.Errorf("decode stored file tree: %w", err)
	}
	return t, nil
}

// SaveFileTree replaces the project's persisted file tree wholesale.
func (s *Store) SaveFileTree(ctx context.Context, projectID string, t tree.Tree) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode file tree: %w", err)
	}
	result := s.db.WithContext(ctx).
		Model(&Project{}).
		Where("id = ?", projectID).
		Update("file_tree", string(data))
	if result.Error != nil {
		return fmt.Errorf("save file tree: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
