package greenroots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/minus-twelve/greenroots/internal/apperr"
	"github.com/minus-twelve/greenroots/internal/metrics"
	"github.com/minus-twelve/greenroots/types"
	"go.uber.org/zap"
)

// Pseudo-endpoint keys of the two singleton records kept in the bucket.
const (
	SessionKey  = "/api/session"
	UserDataKey = "/api/user-data"
)

const DefaultRole = "volunteer"

type loginForm struct {
	Email    string `form:"email" json:"email"`
	Password string `form:"password" json:"password"`
}

type RegisterForm struct {
	Name            string `form:"name" json:"name"`
	Email           string `form:"email" json:"email"`
	Password        string `form:"password" json:"password"`
	ConfirmPassword string `form:"confirmPassword" json:"confirmPassword"`
}

// Login accepts any non-empty email and password and overwrites the session
// record with a fresh one. The registered user, when present, is the identity
// template; otherwise the identity is derived from the email.
func (w *Worker) Login(ctx context.Context, email, password string) (*types.SessionRecord, error) {
	if email == "" || password == "" {
		return nil, apperr.ErrInvalidCredentials
	}

	bucket, err := w.bucket(ctx)
	if err != nil {
		return nil, apperr.ErrInternalServer.WithInternal(err)
	}

	var record types.SessionRecord
	user, err := w.registeredUser(ctx, bucket)
	switch {
	case err != nil:
		return nil, apperr.ErrInternalServer.WithInternal(err)
	case user != nil:
		record = types.SessionRecord{ID: user.ID, Email: user.Email, Name: user.Name, Role: user.Role}
	default:
		record = types.SessionRecord{
			ID:    uuid.NewString(),
			Email: email,
			Name:  strings.SplitN(email, "@", 2)[0],
			Role:  DefaultRole,
		}
	}
	record.LoginTime = w.now().UTC().Truncate(time.Millisecond)

	if err := w.putJSON(ctx, bucket, SessionKey, record); err != nil {
		return nil, apperr.ErrInternalServer.WithInternal(err)
	}
	return &record, nil
}

// Register stores the registered user record used as the login template.
func (w *Worker) Register(ctx context.Context, form RegisterForm) (*types.RegisteredUser, error) {
	if form.Name == "" || form.Email == "" || form.Password == "" {
		return nil, apperr.ErrBadRequest
	}
	if form.Password != form.ConfirmPassword {
		return nil, apperr.ErrPasswordMismatch
	}

	bucket, err := w.bucket(ctx)
	if err != nil {
		return nil, apperr.ErrInternalServer.WithInternal(err)
	}

	user := types.RegisteredUser{
		ID:    uuid.NewString(),
		Email: form.Email,
		Name:  form.Name,
		Role:  DefaultRole,
	}
	if err := w.putJSON(ctx, bucket, UserDataKey, user); err != nil {
		return nil, apperr.ErrInternalServer.WithInternal(err)
	}
	return &user, nil
}

// CheckSession reports whether a session exists and is inside the validity
// window. Faults count as no session.
func (w *Worker) CheckSession(ctx context.Context) bool {
	valid, err := w.sessionValid(ctx)
	if err != nil {
		w.log.Warn("session check failed", zap.Error(err))
		return false
	}
	return valid
}

// Logout removes the session record.
func (w *Worker) Logout(ctx context.Context) error {
	bucket, err := w.bucket(ctx)
	if err != nil {
		return err
	}
	_, err = bucket.Delete(ctx, SessionKey)
	return err
}

// Session returns the stored session record, or nil when logged out.
func (w *Worker) Session(ctx context.Context) (*types.SessionRecord, error) {
	bucket, err := w.bucket(ctx)
	if err != nil {
		return nil, err
	}
	entry, err := bucket.Match(ctx, SessionKey)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var record types.SessionRecord
	if err := json.Unmarshal(entry.Body, &record); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &record, nil
}

func (w *Worker) sessionValid(ctx context.Context) (bool, error) {
	record, err := w.Session(ctx)
	if err != nil || record == nil {
		return false, err
	}
	return !record.Expired(w.now(), w.config.SessionTTL), nil
}

func (w *Worker) registeredUser(ctx context.Context, bucket Bucket) (*types.RegisteredUser, error) {
	entry, err := bucket.Match(ctx, UserDataKey)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var user types.RegisteredUser
	if err := json.Unmarshal(entry.Body, &user); err != nil {
		return nil, fmt.Errorf("decode user data: %w", err)
	}
	return &user, nil
}

func (w *Worker) putJSON(ctx context.Context, bucket Bucket, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put(ctx, key, types.Entry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     body,
		StoredAt: w.now(),
	})
}

func (w *Worker) handleLogin(c *gin.Context) {
	// Credentials are only read from a POST body, never from the query string.
	if c.Request.Method != http.MethodPost {
		w.failLogin(c, apperr.ErrInvalidCredentials)
		return
	}
	if !w.allowLogin(c.Request) {
		metrics.LoginAttempts.WithLabelValues("throttled").Inc()
		c.AbortWithStatusJSON(apperr.ErrRateLimit.StatusCode, apperr.ErrRateLimit.Body())
		return
	}

	var form loginForm
	if err := c.ShouldBind(&form); err != nil {
		w.failLogin(c, apperr.ErrInternalServer.WithInternal(err))
		return
	}

	record, err := w.Login(c.Request.Context(), form.Email, form.Password)
	if err != nil {
		w.failLogin(c, err)
		return
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	w.log.Info("login", zap.String("email", record.Email))
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"user":     record,
		"redirect": w.config.LoginRedirect,
	})
}

func (w *Worker) failLogin(c *gin.Context, err error) {
	appErr := apperr.FromError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		metrics.LoginAttempts.WithLabelValues("error").Inc()
		w.log.Error("login failed", zap.Error(err))
	} else {
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
	}
	c.AbortWithStatusJSON(appErr.StatusCode, appErr.Body())
}

func (w *Worker) handleRegister(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.AbortWithStatusJSON(apperr.ErrBadRequest.StatusCode, apperr.ErrBadRequest.Body())
		return
	}

	var form RegisterForm
	if err := c.ShouldBind(&form); err != nil {
		c.AbortWithStatusJSON(apperr.ErrBadRequest.StatusCode, apperr.ErrBadRequest.Body())
		return
	}

	user, err := w.Register(c.Request.Context(), form)
	if err != nil {
		appErr := apperr.FromError(err)
		if appErr.StatusCode >= http.StatusInternalServerError {
			w.log.Error("register failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(appErr.StatusCode, appErr.Body())
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":  true,
		"user":     user,
		"redirect": "/index.html",
	})
}

// handleDashboard serves a protected page only while the session is valid and
// redirects to the login page otherwise, including on any lookup fault.
func (w *Worker) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()

	valid, err := w.sessionValid(ctx)
	if err != nil {
		w.log.Warn("session lookup failed", zap.Error(err))
	}
	if !valid {
		metrics.GateDecisions.WithLabelValues("redirect").Inc()
		c.Redirect(http.StatusFound, w.config.LoginPage)
		c.Abort()
		return
	}

	metrics.GateDecisions.WithLabelValues("allow").Inc()
	if bucket, err := w.bucket(ctx); err == nil {
		if entry, err := bucket.Match(ctx, c.Request.URL.Path); err == nil {
			writeEntry(c, entry, "HIT")
			return
		}
	}
	w.handleCacheFirst(c)
}
