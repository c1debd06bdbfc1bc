package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tgmirror/internal/gateway/telegram"
)

var (
	loginPhone    string
	loginPassword string
	loginQR       bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to Telegram",
	Long: `Sign in with a phone number and login code, or with a QR code
scanned from another signed-in device (--qr). Accounts with two-factor
auth also need --password.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		status, err := a.gateway.AuthStatus(ctx)
		if err != nil {
			return err
		}
		if status.Authorized {
			fmt.Printf("already signed in as %s\n", status.UserDisplay)
			return nil
		}

		if loginQR {
			return qrLogin(cmd, a)
		}
		return phoneLogin(cmd, a)
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginPhone, "phone", "", "phone number in international format")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "two-factor auth password, if the account has one")
	loginCmd.Flags().BoolVar(&loginQR, "qr", false, "sign in by QR code instead of a login code")
}

func phoneLogin(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	if strings.TrimSpace(loginPhone) == "" {
		return errors.New("--phone is required (or use --qr)")
	}

	if _, err := a.gateway.RequestCode(ctx, loginPhone); err != nil {
		return err
	}

	fmt.Print("login code: ")
	reader := bufio.NewReader(os.Stdin)
	code, err := reader.ReadString('\n')
	if err != nil {
		return err
	}

	status, err := a.gateway.SignIn(ctx, strings.TrimSpace(code), loginPassword)
	if errors.Is(err, telegram.ErrPasswordNeeded) {
		return errors.New("account has two-factor auth, re-run with --password")
	}
	if err != nil {
		return err
	}
	fmt.Printf("signed in as %s\n", status.UserDisplay)
	return nil
}

func qrLogin(cmd *cobra.Command, a *app) error {
	status, err := a.gateway.QRLogin(cmd.Context(), loginPassword, func(token telegram.QRToken) error {
		if token.PasswordNeeded {
			fmt.Println("two-factor auth detected, submitting password")
			return nil
		}
		fmt.Println("scan this QR code with a signed-in Telegram app:")
		fmt.Println(token.ASCII)
		return nil
	})
	if errors.Is(err, telegram.ErrPasswordNeeded) {
		return errors.New("account has two-factor auth, re-run with --password")
	}
	if err != nil {
		return err
	}
	fmt.Printf("signed in as %s\n", status.UserDisplay)
	return nil
}
