// Package cli provides the interactive GophChat command-line client.
//
// It drives an App backend through a line-oriented REPL: sign-in and
// sign-up, conversation management, encrypted messaging with attachments,
// presence, and local preferences. Bus events such as incoming messages,
// typing indicators and connectivity notices are printed as they arrive.
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
