package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophnotes/internal/client/services"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/session"
)

func (a *App) readCredentials(askName, newPassword bool) (string, []byte, error) {
	var name string
	if askName {
		var err error
		name, err = GetSimpleText(a.in, "- Enter user name", a.out)
		if err != nil {
			return "", nil, err
		}
		if name == "" {
			return "", nil, fmt.Errorf("%w: user name is empty", common.ErrValidation)
		}
	}
	read := GetPassword
	if newPassword {
		read = GetNewPassword
	}
	pw, err := read(a.out)
	if err != nil {
		return "", nil, err
	}
	if len(pw) == 0 {
		return "", nil, fmt.Errorf("%w: password is empty", common.ErrValidation)
	}
	return name, pw, nil
}

// Register creates the server account and a fresh local session.
func (a *App) Register(ctx context.Context) error {
	if a.isLoggedIn() {
		return fmt.Errorf("already signed in as %s", a.userName)
	}
	name, pw, err := a.readCredentials(true, true)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	acc, err := a.auth.Register(ctx, name, pw)
	if err != nil {
		return err
	}
	sess, err := a.openSession(ctx, acc)
	if err != nil {
		return err
	}
	if err := sess.Register(ctx, pw, acc.Salt); err != nil {
		_ = sess.Close()
		return err
	}
	a.signedIn(ctx, sess, name)
	a.printf("%s\n", styles.Title.Render("Registered "+name))
	return nil
}

// Login unlocks the local session. A device that has signed in before only
// needs the password and works offline; a new device fetches the account
// from the server and pulls everything down.
func (a *App) Login(ctx context.Context) error {
	if a.isLoggedIn() {
		return nil
	}

	acc, err := a.auth.Account(ctx)
	if errors.Is(err, services.ErrLocalDataNotAvailable) {
		return a.firstLogin(ctx)
	}
	if err != nil {
		return err
	}

	a.printf("Signing in as %s\n", styles.Header.Render(acc.UserName))
	_, pw, err := a.readCredentials(false, false)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	sess, err := a.openSession(ctx, acc)
	if err != nil {
		return err
	}
	if err := sess.Unlock(ctx, pw); err != nil {
		_ = sess.Close()
		if errors.Is(err, common.ErrRootKeyUnavailable) {
			return fmt.Errorf("wrong password: %w", err)
		}
		return err
	}
	if _, err := a.auth.Resume(ctx, acc.UserName, pw); err != nil {
		a.log.Warn(ctx, "token refresh failed", "error", err)
	}
	a.signedIn(ctx, sess, acc.UserName)
	return nil
}

func (a *App) firstLogin(ctx context.Context) error {
	name, pw, err := a.readCredentials(true, false)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	acc, err := a.auth.OnlineLogin(ctx, name, pw)
	if err != nil {
		if errors.Is(err, common.ErrNetwork) {
			return fmt.Errorf("first sign in on this device needs the server: %w", err)
		}
		return err
	}
	sess, err := a.openSession(ctx, acc)
	if err != nil {
		return err
	}
	if err := sess.SignIn(ctx, pw, acc.Salt); err != nil {
		_ = sess.Close()
		return err
	}
	a.signedIn(ctx, sess, name)

	res, err := sess.Sync(ctx)
	if err != nil {
		a.log.Warn(ctx, "initial sync failed", "error", err)
		return nil
	}
	a.printf("Pulled %d items\n", res.Pulled)
	return nil
}

// Logout locks the session. The local data and cached account stay, so the
// next login works offline.
func (a *App) Logout(ctx context.Context) error {
	if !a.isLoggedIn() {
		return nil
	}
	if err := a.lock(); err != nil {
		return err
	}
	a.log.Info(ctx, "signed out")
	return nil
}

// ensureSession signs in when needed and returns the session.
func (a *App) ensureSession(ctx context.Context) (*session.Session, error) {
	if err := a.Login(ctx); err != nil {
		return nil, err
	}
	return a.session(), nil
}
