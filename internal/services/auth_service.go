package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/corebank/backend/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// AuthService handles role-scoped registration and login. The core never
// sees credentials; it receives the (userID, role) identity the JWT
// middleware extracts from tokens issued here.
type AuthService struct {
	store     *LedgerStore
	redis     *redis.Client
	validator *ValidationHelper
}

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type LoginRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail" validate:"required"`
	Password        string `json:"password" validate:"required"`
}

type AuthResponse struct {
	Token string `json:"token"`
}

func NewAuthService(store *LedgerStore, redisClient *redis.Client) *AuthService {
	viper.SetDefault("bcrypt.cost", bcrypt.DefaultCost)
	return &AuthService{
		store:     store,
		redis:     redisClient,
		validator: NewValidationHelper(),
	}
}

// RegisterCustomer handles POST /api/auth/customer/register
func (s *AuthService) RegisterCustomer(w http.ResponseWriter, r *http.Request) {
	s.register(w, r, models.RoleCustomer)
}

// RegisterBanker handles POST /api/auth/banker/register
func (s *AuthService) RegisterBanker(w http.ResponseWriter, r *http.Request) {
	s.register(w, r, models.RoleBanker)
}

// LoginCustomer handles POST /api/auth/customer/login
func (s *AuthService) LoginCustomer(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, models.RoleCustomer)
}

// LoginBanker handles POST /api/auth/banker/login
func (s *AuthService) LoginBanker(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, models.RoleBanker)
}

func (s *AuthService) register(w http.ResponseWriter, r *http.Request, role string) {
	log.Printf("[AUTH] %s registration attempt from IP: %s", role, r.RemoteAddr)

	var req RegisterRequest
	if !decodeJSONBody(w, r, &req) {
		SendErrorResponse(w, "Provide username, email, and password.", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		log.Printf("[AUTH] Registration validation failed: %v", err)
		SendErrorResponse(w, "Provide username, email, and password.", http.StatusBadRequest, err)
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), viper.GetInt("bcrypt.cost"))
	if err != nil {
		log.Printf("[AUTH] Password hashing failed for %s: %v", req.Username, err)
		SendErrorResponse(w, "Server error.", http.StatusInternalServerError, nil)
		return
	}

	var userID int
	err = s.store.RunAtomic(r.Context(), func(tx *sql.Tx) error {
		id, err := s.store.CreateUser(tx, req.Username, req.Email, string(hashed), role, decimal.Zero)
		if err != nil {
			return err
		}
		userID = id
		return nil
	})
	if err != nil {
		log.Printf("[AUTH] Registration failed for %s: %v", req.Username, err)
		SendServiceError(w, err)
		return
	}

	token, err := generateJWT(userID, role)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Registration successful - ID: %d, Username: %s, Role: %s", userID, req.Username, role)
	writeJSON(w, http.StatusCreated, AuthResponse{Token: token})
}

func (s *AuthService) login(w http.ResponseWriter, r *http.Request, role string) {
	log.Printf("[AUTH] %s login attempt from IP: %s", role, r.RemoteAddr)

	var req LoginRequest
	if !decodeJSONBody(w, r, &req) {
		SendErrorResponse(w, "Provide username/email and password.", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Provide username/email and password.", http.StatusBadRequest, err)
		return
	}

	user, err := s.store.FindUser(r.Context(), req.UsernameOrEmail, role)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Printf("[AUTH] Unknown %s login: %s", role, req.UsernameOrEmail)
			SendErrorResponse(w, "Invalid credentials.", http.StatusUnauthorized, nil)
			return
		}
		SendServiceError(w, err)
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		log.Printf("[AUTH] Invalid password for user %d", user.ID)
		SendErrorResponse(w, "Invalid credentials.", http.StatusUnauthorized, nil)
		return
	}

	token, err := generateJWT(user.ID, user.Role)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %d: %v", user.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Login successful for user %d", user.ID)
	writeJSON(w, http.StatusOK, AuthResponse{Token: token})
}

// Logout blacklists the presented token until its natural expiry. Without
// redis the token simply remains valid until then.
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if len(token) > 7 {
		token = token[7:] // strip "Bearer "

		if s.redis != nil {
			ctx := context.Background()
			key := fmt.Sprintf("blacklist:%s", token)
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(ctx, key, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to blacklist token: %v", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

func generateJWT(userID int, role string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}
