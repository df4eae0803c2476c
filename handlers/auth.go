package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/mmb-raid/sportiduino/middleware"
	"github.com/mmb-raid/sportiduino/session"
	"github.com/mmb-raid/sportiduino/store"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HashPasswordForUser validates username/password input and returns a bcrypt hash for storage.
func HashPasswordForUser(username, password string) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", errors.New("username is required")
	}
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password is required")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hashedPassword), nil
}

// Signin validates credentials and returns a JWT token valid for 30 days.
func (h *Handler) Signin(c echo.Context) error {
	var creds credentials
	if err := c.Bind(&creds); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	creds.Username = strings.TrimSpace(creds.Username)

	user, err := h.users.UserByName(c.Request().Context(), creds.Username)
	if errors.Is(err, store.ErrNoUser) {
		return echo.NewHTTPError(http.StatusBadRequest, "incorrect username or password")
	}
	if err != nil {
		return httpError(err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(creds.Password)); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	expiresAt := h.now().AddDate(0, 0, 30)
	claims := &mw.Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(h.JWTKey)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]string{"token": tokenString})
}

type siteAuthRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TestSite int    `json:"testSite"`
}

// SiteAuth stores the raid website account used for distance downloads.
func (h *Handler) SiteAuth(c echo.Context) error {
	var req siteAuthRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}
	if req.TestSite != 0 && req.TestSite != 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "testSite must be 0 or 1")
	}

	h.session.SetAuth(session.Auth{Email: req.Email, Password: req.Password, TestSite: req.TestSite})
	return c.JSON(http.StatusOK, h.session.Auth())
}
