package cli

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/common"
)

// Register prompts for a username and password and creates an account.
// The account is signed in on success. The password byte slice is wiped
// before returning.
func (a *App) Register(ctx context.Context, _ call) error {
	return a.authenticate(ctx, a.backend.SignUp)
}

// Login prompts for credentials and signs in.
func (a *App) Login(ctx context.Context, _ call) error {
	return a.authenticate(ctx, a.backend.SignIn)
}

func (a *App) authenticate(ctx context.Context, fn func(ctx context.Context, username, password string) (models.User, error)) error {
	userName, err := getSimpleText(a.reader, "Enter username", a.out)
	if err != nil {
		return err
	}

	password, err := getPassword(a.out, "Enter password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	user, err := fn(ctx, userName, string(password))
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Welcome, %s!\n", user.Username)
	a.printConversations()
	return nil
}

// Logout revokes the session. Local state is cleared even if the server
// could not be reached.
func (a *App) Logout(ctx context.Context, _ call) error {
	err := a.backend.SignOut(ctx)
	fmt.Fprintln(a.out, "Logged out.")
	return err
}
