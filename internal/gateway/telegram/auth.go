package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"rsc.io/qr"
)

type AuthStatus struct {
	Configured   bool
	Authorized   bool
	AwaitingCode bool
	Phone        string
	UserDisplay  string
}

// QRToken is one login token to show the user. ASCII is a terminal
// rendering of the QR code; PasswordNeeded signals that the account has
// two-factor auth and the login waits for the configured password.
type QRToken struct {
	URL            string
	ASCII          string
	ExpiresAt      int64
	PasswordNeeded bool
}

func (s *Service) AuthStatus(ctx context.Context) (AuthStatus, error) {
	status := AuthStatus{}
	if _, _, err := s.credentials(); err != nil {
		status.AwaitingCode, status.Phone = s.pending()
		return status, nil
	}

	status.Configured = true
	status.AwaitingCode, status.Phone = s.pending()
	err := s.withClient(ctx, func(runCtx context.Context, client *tdtelegram.Client) error {
		authStatus, statusErr := client.Auth().Status(runCtx)
		if statusErr != nil {
			return statusErr
		}
		status.Authorized = authStatus.Authorized
		if authStatus.User != nil {
			status.UserDisplay = formatUserDisplay(authStatus.User)
		}
		return nil
	})
	if err != nil {
		return status, err
	}
	return status, nil
}

func (s *Service) RequestCode(ctx context.Context, phone string) (AuthStatus, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return AuthStatus{}, errors.New("telegram phone is required")
	}

	err := s.withClient(ctx, func(runCtx context.Context, client *tdtelegram.Client) error {
		current, statusErr := client.Auth().Status(runCtx)
		if statusErr != nil {
			return statusErr
		}
		if current.Authorized {
			s.clearPending()
			return nil
		}

		sentCode, sendErr := client.Auth().SendCode(runCtx, phone, auth.SendCodeOptions{})
		if sendErr != nil {
			return sendErr
		}
		switch sent := sentCode.(type) {
		case *tg.AuthSentCode:
			s.setPending(phone, sent.PhoneCodeHash)
		case *tg.AuthSentCodeSuccess:
			s.clearPending()
		default:
			return fmt.Errorf("unexpected send code result type: %T", sentCode)
		}
		return nil
	})
	if err != nil {
		return AuthStatus{}, err
	}
	return s.AuthStatus(ctx)
}

func (s *Service) SignIn(ctx context.Context, code, password string) (AuthStatus, error) {
	code = strings.TrimSpace(code)
	password = strings.TrimSpace(password)
	if code == "" {
		return AuthStatus{}, errors.New("telegram login code is required")
	}

	phone, hash, ok := s.pendingCode()
	if !ok {
		return AuthStatus{}, ErrCodeNotPending
	}

	err := s.withClient(ctx, func(runCtx context.Context, client *tdtelegram.Client) error {
		_, signInErr := client.Auth().SignIn(runCtx, phone, code, hash)
		if errors.Is(signInErr, auth.ErrPasswordAuthNeeded) {
			if password == "" {
				return ErrPasswordNeeded
			}
			_, pwdErr := client.Auth().Password(runCtx, password)
			return pwdErr
		}
		return signInErr
	})
	if err != nil {
		return AuthStatus{}, err
	}

	s.clearPending()
	return s.AuthStatus(ctx)
}

// QRLogin signs in by QR code. Each fresh token is passed to showQR;
// password is used when the account has two-factor auth, and
// ErrPasswordNeeded is returned if it is empty.
func (s *Service) QRLogin(ctx context.Context, password string, showQR func(QRToken) error) (AuthStatus, error) {
	apiID, apiHash, err := s.credentials()
	if err != nil {
		return AuthStatus{}, err
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	dispatcher := tg.NewUpdateDispatcher()
	loggedIn := qrlogin.OnLoginToken(dispatcher)

	var result AuthStatus
	err = s.withClientUsingOptions(ctx, apiID, apiHash, tdtelegram.Options{
		SessionStorage: &safeSessionStorage{path: s.sessionPath},
		UpdateHandler:  dispatcher,
	}, func(runCtx context.Context, client *tdtelegram.Client) error {
		status, statusErr := client.Auth().Status(runCtx)
		if statusErr != nil {
			return statusErr
		}
		if status.Authorized {
			result.Configured = true
			result.Authorized = true
			if status.User != nil {
				result.UserDisplay = formatUserDisplay(status.User)
			}
			return nil
		}

		_, authErr := client.QR().Auth(runCtx, loggedIn, func(_ context.Context, token qrlogin.Token) error {
			code, codeErr := qr.Encode(token.URL(), qr.M)
			if codeErr != nil {
				return codeErr
			}
			return showQR(QRToken{
				URL:       token.URL(),
				ASCII:     renderQRASCII(code),
				ExpiresAt: token.Expires().Unix(),
			})
		})
		if authErr != nil {
			if !isPasswordNeeded(authErr) {
				return authErr
			}
			if password == "" {
				return ErrPasswordNeeded
			}
			if notifyErr := showQR(QRToken{PasswordNeeded: true}); notifyErr != nil {
				return notifyErr
			}
			if _, pwdErr := client.Auth().Password(runCtx, password); pwdErr != nil {
				return pwdErr
			}
		}

		newStatus, statusErr := client.Auth().Status(runCtx)
		if statusErr != nil {
			return statusErr
		}
		result.Configured = true
		result.Authorized = newStatus.Authorized
		if newStatus.User != nil {
			result.UserDisplay = formatUserDisplay(newStatus.User)
		}
		return nil
	})
	if err != nil {
		return AuthStatus{}, err
	}
	return result, nil
}

// renderQRASCII draws the code with half-block characters, two modules
// per terminal row.
func renderQRASCII(code *qr.Code) string {
	var b strings.Builder
	size := code.Size
	for y := -1; y < size+1; y += 2 {
		for x := -1; x <= size; x++ {
			top := y >= 0 && code.Black(x, y)
			bottom := y+1 < size && code.Black(x, y+1)
			switch {
			case top && bottom:
				b.WriteRune('█')
			case top:
				b.WriteRune('▀')
			case bottom:
				b.WriteRune('▄')
			default:
				b.WriteRune(' ')
			}
		}
		b.WriteRune('\n')
	}
	return b.String()
}

func isPasswordNeeded(err error) bool {
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return true
	}
	if rpcErr, ok := tgerr.As(err); ok {
		return rpcErr.IsOneOf("SESSION_PASSWORD_NEEDED")
	}
	return false
}

func (s *Service) pendingCode() (phone string, hash string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pendingPhone == "" || s.pendingHash == "" {
		return "", "", false
	}
	return s.pendingPhone, s.pendingHash, true
}

func (s *Service) pending() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingHash != "", s.pendingPhone
}

func (s *Service) setPending(phone, hash string) {
	s.mu.Lock()
	s.pendingPhone = phone
	s.pendingHash = hash
	s.mu.Unlock()
}

func (s *Service) clearPending() {
	s.mu.Lock()
	s.pendingPhone = ""
	s.pendingHash = ""
	s.mu.Unlock()
}
