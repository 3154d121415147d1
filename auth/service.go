package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidRegistration wraps field validation failures on Register.
	ErrInvalidRegistration = errors.New("auth: invalid registration")
	// ErrAdminRegistration rejects self-service admin sign-ups.
	ErrAdminRegistration = errors.New("auth: admin accounts cannot self-register")
	// ErrAdminParty rejects binding an admin to a single party.
	ErrAdminParty = errors.New("auth: admin accounts act for every party")
	// ErrInvalidToken covers every reason a bearer token is rejected.
	ErrInvalidToken = errors.New("auth: invalid token")
)

const defaultTokenTTL = 24 * time.Hour

// Claims is the JWT payload issued at login.
type Claims struct {
	Role    Role   `json:"role"`
	PartyID string `json:"party_id,omitempty"`
	jwt.RegisteredClaims
}

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	validate  *validator.Validate
	tokenTTL  time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and account returned after a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Account   Account
}

func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		validate:  validator.New(),
		tokenTTL:  defaultTokenTTL,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a sponsor or agency account. The account acts for itself
// until an admin binds it to a party with BindParty.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	req.Role = Role(strings.TrimSpace(string(req.Role)))
	if req.Role == RoleAdmin {
		return nil, ErrAdminRegistration
	}
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Role == "" {
		req.Role = RoleSponsor
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	return s.create(ctx, req.Email, req.Password, req.FullName, req.Role)
}

// CreateAdmin provisions an admin account. It is reachable only from the
// operator CLI, never from the public API.
func (s *Service) CreateAdmin(ctx context.Context, req LoginRequest, fullName string) (*Account, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	if strings.TrimSpace(fullName) == "" {
		fullName = req.Email
	}
	return s.create(ctx, req.Email, req.Password, fullName, RoleAdmin)
}

// BindParty points a sponsor or agency account at an existing party id, so
// several logins can act for one agency.
func (s *Service) BindParty(ctx context.Context, accountID, partyID string) (*Account, error) {
	partyID = strings.TrimSpace(partyID)
	if partyID == "" {
		return nil, fmt.Errorf("%w: party id required", ErrInvalidRegistration)
	}
	account, err := s.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Role == RoleAdmin {
		return nil, ErrAdminParty
	}
	account, err = s.repo.SetPartyID(ctx, account.ID, partyID)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) create(ctx context.Context, email, password, fullName string, role Role) (*Account, error) {
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	account, err := s.repo.CreateAccount(ctx, CreateAccountParams{
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Login authenticates an account and returns a signed JWT.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	account, err := s.repo.GetAccountByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, expires, err := s.generateToken(account)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, ExpiresAt: expires, Account: account}, nil
}

func (s *Service) GetAccountByID(ctx context.Context, id string) (*Account, error) {
	account, err := s.repo.GetAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// VerifyToken validates a JWT and returns the caller identity.
func (s *Service) VerifyToken(tokenString string) (Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || !isValidRole(claims.Role) {
		return Identity{}, ErrInvalidToken
	}
	return Identity{AccountID: claims.Subject, Role: claims.Role, PartyID: claims.PartyID}, nil
}

func (s *Service) generateToken(account Account) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.tokenTTL)

	partyID := account.ID
	if account.PartyID != nil {
		partyID = *account.PartyID
	}
	if account.Role == RoleAdmin {
		partyID = ""
	}

	claims := Claims{
		Role:    account.Role,
		PartyID: partyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleSponsor, RoleAgency, RoleAdmin:
		return true
	default:
		return false
	}
}
