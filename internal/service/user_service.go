package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"taskhub/internal/domain"
	"taskhub/internal/repository"
)

var (
	// ErrInvalidCredentials covers both unknown usernames and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrDuplicateUsername is returned when registering a taken username.
	ErrDuplicateUsername = errors.New("username already exists")
	// ErrDuplicateEmail is returned when registering an email already in use.
	ErrDuplicateEmail = errors.New("email already exists")
	// ErrInvalidInput wraps every field-level validation failure.
	ErrInvalidInput = errors.New("invalid input")
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 50
	MinPasswordLength = 6
	// MaxPasswordBytes is the longest input bcrypt accepts.
	MaxPasswordBytes = 72
)

// FieldError is a validation failure on a single input field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *FieldError) Unwrap() error {
	return ErrInvalidInput
}

// TokenIssuer mints bearer tokens for a username.
type TokenIssuer interface {
	Issue(subject string) (string, error)
	Lifetime() time.Duration
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// LoginResult is returned on successful authentication.
type LoginResult struct {
	Token     string
	ExpiresIn time.Duration
	User      *domain.User
}

// UserService describes user lifecycle operations.
type UserService interface {
	Register(ctx context.Context, input RegisterInput) (*domain.User, error)
	Login(ctx context.Context, username, password string) (*LoginResult, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
}

type userService struct {
	users    repository.UserRepository
	tokens   TokenIssuer
	hashCost int
}

func NewUserService(users repository.UserRepository, tokens TokenIssuer) UserService {
	return &userService{
		users:    users,
		tokens:   tokens,
		hashCost: bcrypt.DefaultCost,
	}
}

func (s *userService) Register(ctx context.Context, input RegisterInput) (*domain.User, error) {
	username := strings.TrimSpace(input.Username)
	email := strings.TrimSpace(input.Email)

	if err := validateRegistration(username, email, input.Password); err != nil {
		return nil, err
	}

	// username is checked first so a double collision reports the username
	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil, ErrDuplicateUsername
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, ErrDuplicateEmail
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	}

	if _, err := s.users.Create(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateUsername):
			return nil, ErrDuplicateUsername
		case errors.Is(err, repository.ErrDuplicateEmail):
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}

	return sanitizeUser(user), nil
}

func (s *userService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user.Username)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	return &LoginResult{
		Token:     token,
		ExpiresIn: s.tokens.Lifetime(),
		User:      sanitizeUser(user),
	}, nil
}

func (s *userService) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return sanitizeUser(user), nil
}

// validateRegistration checks the already trimmed username and email.
func validateRegistration(username, email, password string) error {
	switch n := utf8.RuneCountInString(username); {
	case n == 0:
		return &FieldError{Field: "username", Message: "username is required"}
	case n < MinUsernameLength || n > MaxUsernameLength:
		return &FieldError{Field: "username", Message: fmt.Sprintf("username must be between %d and %d characters", MinUsernameLength, MaxUsernameLength)}
	}
	if email == "" {
		return &FieldError{Field: "email", Message: "email is required"}
	}
	switch {
	case password == "":
		return &FieldError{Field: "password", Message: "password is required"}
	case utf8.RuneCountInString(password) < MinPasswordLength:
		return &FieldError{Field: "password", Message: fmt.Sprintf("password must be at least %d characters", MinPasswordLength)}
	case len(password) > MaxPasswordBytes:
		return &FieldError{Field: "password", Message: fmt.Sprintf("password must be at most %d bytes", MaxPasswordBytes)}
	}
	return nil
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	return &domain.User{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}
