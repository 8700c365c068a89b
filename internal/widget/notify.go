package widget

import (
	"context"
	"fmt"

	"github.com/ashureev/chatbubble/internal/domain"
)

const (
	loggedInPath  = "/logged-in"
	loggedOutPath = "/logged-out"
)

// NotifyLogin stores credentials obtained by the host page, tells the
// backend the visitor logged in and invokes the login listener.
//
// The notification is best-effort: the returned channel receives its single
// outcome and may be ignored. It is not cancelled with ctx. A login missing
// either token is rejected with ErrIncompleteCredentials and changes nothing.
func (e *Engine) NotifyLogin(ctx context.Context, token, refreshToken string, expiresIn int64) <-chan error {
	if token == "" || refreshToken == "" {
		e.logger.Warn("Rejecting host login without both tokens")
		return failed(ErrIncompleteCredentials)
	}
	creds := domain.Credentials{AccessToken: token, RefreshToken: refreshToken}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return failed(ErrClosed)
	}
	e.tokens.save(ctx, creds)
	e.mu.Unlock()

	e.logger.Info("Host reported login")
	done := e.notify(ctx, loggedInPath)

	if login := e.loginCallback(creds, expiresIn); login != nil {
		login()
	}
	return done
}

// NotifyLogout tells the backend the visitor logged out and forgets the
// credentials. They are cleared whether or not the notification succeeds.
func (e *Engine) NotifyLogout(ctx context.Context) <-chan error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return failed(ErrClosed)
	}
	e.mu.Unlock()

	done := e.notify(ctx, loggedOutPath)

	e.mu.Lock()
	e.tokens.clear(ctx)
	e.mu.Unlock()

	e.logger.Info("Host reported logout")
	return done
}

func (e *Engine) notify(ctx context.Context, path string) <-chan error {
	done := make(chan error, 1)
	url := e.opts.Endpoint + path
	ctx = context.WithoutCancel(ctx)

	e.notifications.Add(1)
	go func() {
		defer e.notifications.Done()

		ctx, cancel := context.WithTimeout(ctx, e.opts.NotifyTimeout)
		defer cancel()

		err := e.backend.Notify(ctx, url, e.sessionID)
		if err != nil {
			e.logger.Warn("Notification failed", "url", url, "error", err)
			err = fmt.Errorf("notify %s: %w", path, err)
		} else {
			e.logger.Debug("Notification delivered", "url", url)
		}
		done <- err
	}()
	return done
}

func failed(err error) <-chan error {
	done := make(chan error, 1)
	done <- err
	return done
}
