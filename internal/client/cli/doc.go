// Package cli provides the gophnotes command-line client.
//
// Every operation is a cobra subcommand of NewRootCommand. Run once from the
// shell it unlocks the local store with the account password, does its work
// and exits; inside the interactive shell (the "shell" subcommand) the
// session stays unlocked and syncs in the background.
//
// The client is local-first: notes are written to the local store and
// pushed on the next sync, so everything except register and the first
// login on a device works offline.
package cli
