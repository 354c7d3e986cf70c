// Package services contains application services for the gophnotes client.
// This file defines the authentication service: the server account behind a
// session, online and offline sign in, and the locally cached auth record.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
)

const (
	metaAuth = "client:auth"
	saltSize = 16
)

// ErrLocalDataNotAvailable means this device has never signed in, so the
// password cannot be checked without the server.
var ErrLocalDataNotAvailable = errors.New("local auth data not available")

// Client is the part of the sync server API used for accounts.
type Client interface {
	Register(ctx context.Context, userName string, salt, verifier []byte) (string, error)
	GetSalt(ctx context.Context, userName string) ([]byte, error)
	Login(ctx context.Context, userName string, verifier []byte) (string, error)
	Tokens() (userID, accessToken, refreshToken string)
	SetTokens(userID, accessToken, refreshToken string)
}

// Account is the auth record cached on the device. The salt is kept so the
// root key can be re-derived offline; the password never is.
type Account struct {
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name"`
	Salt         []byte `json:"salt"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Auth talks to the server on behalf of a session and remembers the result
// in the session's store.
type Auth struct {
	client Client
	store  storage.Store
}

func NewAuth(client Client, store storage.Store) *Auth {
	return &Auth{client: client, store: store}
}

func verifier(password, salt []byte) []byte {
	return cryptox.MakeVerifier(cryptox.DeriveMasterKey(password, salt))
}

// Account returns the cached record, or ErrLocalDataNotAvailable.
func (a *Auth) Account(ctx context.Context) (*Account, error) {
	data, err := a.store.GetMeta(ctx, metaAuth)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, ErrLocalDataNotAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("read auth record: %w", err)
	}
	acc := &Account{}
	if err := json.Unmarshal(data, acc); err != nil {
		return nil, fmt.Errorf("decode auth record: %w", err)
	}
	return acc, nil
}

func (a *Auth) save(ctx context.Context, acc *Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	var b storage.Batch
	b.SetMeta(metaAuth, data)
	if err := a.store.Commit(ctx, b); err != nil {
		return fmt.Errorf("save auth record: %w", err)
	}
	return nil
}

// Register creates the server account with a fresh salt, signs in and
// caches the record. The salt is the one the session derives its root key
// from.
func (a *Auth) Register(ctx context.Context, userName string, password []byte) (*Account, error) {
	if _, err := a.Account(ctx); err == nil {
		return nil, fmt.Errorf("device already has an account: %w", common.ErrAlreadyExists)
	}
	salt := common.GenerateRandByteArray(saltSize)
	v := verifier(password, salt)

	if _, err := a.client.Register(ctx, userName, salt, v); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return a.login(ctx, userName, salt, v)
}

// OnlineLogin fetches the salt from the server, signs in and caches the
// record.
func (a *Auth) OnlineLogin(ctx context.Context, userName string, password []byte) (*Account, error) {
	salt, err := a.client.GetSalt(ctx, userName)
	if err != nil {
		return nil, fmt.Errorf("get salt: %w", err)
	}
	return a.login(ctx, userName, salt, verifier(password, salt))
}

func (a *Auth) login(ctx context.Context, userName string, salt, v []byte) (*Account, error) {
	userID, err := a.client.Login(ctx, userName, v)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	_, access, refresh := a.client.Tokens()
	acc := &Account{UserID: userID, UserName: userName, Salt: salt, AccessToken: access, RefreshToken: refresh}
	if err := a.save(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// Resume restores the cached tokens into the client and tries to refresh
// them with the password. A server that cannot be reached is not an error:
// the cached tokens stay and the session works offline.
func (a *Auth) Resume(ctx context.Context, userName string, password []byte) (*Account, error) {
	acc, err := a.Account(ctx)
	if err != nil {
		return nil, err
	}
	if acc.UserName != userName {
		return nil, fmt.Errorf("device belongs to %q: %w", acc.UserName, common.ErrorUnauthorized)
	}
	a.client.SetTokens(acc.UserID, acc.AccessToken, acc.RefreshToken)

	fresh, err := a.login(ctx, userName, acc.Salt, verifier(password, acc.Salt))
	if errors.Is(err, common.ErrNetwork) {
		return acc, nil
	}
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// Forget drops the cached record, e.g. on sign out.
func (a *Auth) Forget(ctx context.Context) error {
	a.client.SetTokens("", "", "")
	return a.store.Commit(ctx, storage.Batch{DeleteMeta: []string{metaAuth}})
}
