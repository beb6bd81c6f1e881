package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// TokenVerifier проверяет Firebase ID token. *auth.Client удовлетворяет интерфейсу.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// NewFirebaseAuthClient инициализирует Firebase App и возвращает клиента Auth.
// Пустой credentialsFile означает Application Default Credentials.
func NewFirebaseAuthClient(ctx context.Context, projectID, credentialsFile string) (*auth.Client, error) {
	var opts []option.ClientOption
	if credentialsFile = strings.TrimSpace(credentialsFile); credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: strings.TrimSpace(projectID)}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app init: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth init: %w", err)
	}
	return client, nil
}

// TokenAuthenticator подтверждает вход по Firebase ID token и обновляет Provider.
type TokenAuthenticator struct {
	verifier TokenVerifier
	provider *Provider
}

// NewTokenAuthenticator создаёт аутентификатор.
func NewTokenAuthenticator(verifier TokenVerifier, provider *Provider) *TokenAuthenticator {
	return &TokenAuthenticator{verifier: verifier, provider: provider}
}

// SignInWithToken проверяет токен и возвращает UID вошедшего пользователя.
func (a *TokenAuthenticator) SignInWithToken(ctx context.Context, idToken string) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("token verifier is not configured")
	}
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return "", fmt.Errorf("%w: empty id token", domain.ErrUnauthenticated)
	}

	token, err := a.verifier.VerifyIDToken(ctx, idToken)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
	}
	uid := ""
	if token != nil {
		uid = strings.TrimSpace(token.UID)
	}
	if uid == "" {
		return "", fmt.Errorf("%w: token has no uid", domain.ErrUnauthenticated)
	}

	if err := a.provider.SignIn(uid); err != nil {
		return "", err
	}
	return uid, nil
}
