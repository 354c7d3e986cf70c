package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/keys"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/session"
	"github.com/dmitrijs2005/gophnotes/internal/vaults"
	"github.com/spf13/cobra"
)

// resolveVault finds a vault by system identifier, its prefix or its name.
func resolveVault(sess *session.Session, ref string) (models.Vault, error) {
	if v, ok := sess.Vaults().Vault(ref); ok {
		return v, nil
	}
	var byPrefix, byName []models.Vault
	for _, v := range sess.Vaults().Vaults() {
		if strings.HasPrefix(v.SystemIdentifier, ref) {
			byPrefix = append(byPrefix, v)
		}
		if strings.EqualFold(v.Name, ref) {
			byName = append(byName, v)
		}
	}
	for _, found := range [][]models.Vault{byPrefix, byName} {
		switch len(found) {
		case 0:
			continue
		case 1:
			return found[0], nil
		default:
			return models.Vault{}, fmt.Errorf("%w: %q matches %d vaults", errAmbiguous, ref, len(found))
		}
	}
	return models.Vault{}, fmt.Errorf("vault %q: %w", ref, common.ErrorNotFound)
}

// resolveContact finds a trusted contact by user uuid or name.
func resolveContact(sess *session.Session, ref string) (models.TrustedContactContent, error) {
	if c, ok := sess.Contacts().Find(ref); ok {
		return c, nil
	}
	var found []models.TrustedContactContent
	for _, c := range sess.Contacts().All() {
		if strings.EqualFold(c.Name, ref) || strings.HasPrefix(c.ContactUUID, ref) {
			found = append(found, c)
		}
	}
	switch len(found) {
	case 0:
		return models.TrustedContactContent{}, fmt.Errorf("contact %q: %w", ref, common.ErrorNotFound)
	case 1:
		return found[0], nil
	}
	return models.TrustedContactContent{}, fmt.Errorf("%w: %q matches %d contacts", errAmbiguous, ref, len(found))
}

func printRotation(out io.Writer, res keys.RotationResult) {
	fmt.Fprintf(out, "Vault key now at epoch %d, %d items re-encrypted\n", res.Key.Epoch, res.Reencrypted)
	if len(res.Awaiting) > 0 {
		fmt.Fprintln(out, styles.Warning.Render(fmt.Sprintf("waiting for %d members to confirm", len(res.Awaiting))))
	}
}

func newVaultCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage vaults and their members",
	}
	cmd.AddCommand(
		newVaultCreateCommand(a),
		newVaultListCommand(a),
		newVaultEditCommand(a),
		newVaultMoveCommand(a),
		newVaultEjectCommand(a),
		newVaultShareCommand(a),
		newVaultInviteCommand(a),
		newVaultMembersCommand(a),
		newVaultRemoveMemberCommand(a),
		newVaultRotateCommand(a),
		newVaultDeleteCommand(a),
	)
	return cmd
}

// vaultCommand is the shape of the vault subcommands that act on one
// vault named by the first argument.
func vaultCommand(a *App, use, short string, nargs int, run func(cmd *cobra.Command, sess *session.Session, v models.Vault, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			v, err := resolveVault(sess, args[0])
			if err != nil {
				return err
			}
			return run(cmd, sess, v, args[1:])
		},
	}
}

func newVaultCreateCommand(a *App) *cobra.Command {
	var cfg vaults.Config
	var ephemeral bool
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a vault with its own key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			cfg.Name = args[0]
			cfg.StoragePreference = models.StoragePersisted
			if ephemeral {
				cfg.StoragePreference = models.StorageEphemeral
			}
			v, err := sess.Vaults().CreateVault(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created vault %s (%s)\n", v.Name, shortID(v.SystemIdentifier))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Description, "description", "", "description")
	f.StringVar(&cfg.IconString, "icon", "", "icon")
	f.BoolVar(&ephemeral, "ephemeral", false, "keep the vault key in memory only")
	return cmd
}

func newVaultListCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List vaults",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			list := sess.Vaults().Vaults()
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), styles.Muted.Render("no vaults"))
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSHARED\tROLE\tEPOCH\tITEMS")
			for _, v := range list {
				perm, _ := v.PermissionFor(sess.UserUUID())
				role := string(perm)
				if v.OwnerUUID == "" || v.OwnerUUID == sess.UserUUID() {
					role = "owner"
				}
				n := 0
				for it := range sess.Query(nil) {
					if it.KeySystemIdentifier() == v.SystemIdentifier && it.ContentType() != models.ContentTypeVaultListing {
						n++
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%d\t%d\n", shortID(v.SystemIdentifier), v.Name, v.Shared, role, v.KeyEpoch, n)
			}
			return tw.Flush()
		},
	}
}

func newVaultEditCommand(a *App) *cobra.Command {
	var name, description, icon string
	cmd := vaultCommand(a, "edit <vault>", "Change a vault's name, description or icon", 1,
		func(cmd *cobra.Command, sess *session.Session, v models.Vault, _ []string) error {
			var f vaults.Fields
			if cmd.Flags().Changed("name") {
				f.Name = &name
			}
			if cmd.Flags().Changed("description") {
				f.Description = &description
			}
			if cmd.Flags().Changed("icon") {
				f.IconString = &icon
			}
			_, err := sess.Vaults().ChangeVaultMetadata(cmd.Context(), v.SystemIdentifier, f)
			return err
		})
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&icon, "icon", "", "new icon")
	return cmd
}

func newVaultMoveCommand(a *App) *cobra.Command {
	return vaultCommand(a, "move <vault> <note>", "Move a note into a vault", 2,
		func(cmd *cobra.Command, sess *session.Session, v models.Vault, args []string) error {
			note, err := resolve(sess, args[0], models.ContentTypeNote)
			if err != nil {
				return err
			}
			if _, err := sess.Vaults().MoveItemToVault(cmd.Context(), v.SystemIdentifier, note.UUID()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moved %s to %s\n", shortID(note.UUID()), v.Name)
			return nil
		})
}

func newVaultEjectCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "eject <note>",
		Short: "Move a note out of its vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			note, err := resolve(sess, args[0], models.ContentTypeNote)
			if err != nil {
				return err
			}
			_, err = sess.Vaults().RemoveItemFromVault(cmd.Context(), note.UUID())
			return err
		},
	}
}

func newVaultShareCommand(a *App) *cobra.Command {
	return vaultCommand(a, "share <vault>", "Turn a vault into a shared vault", 1,
		func(cmd *cobra.Command, sess *session.Session, v models.Vault, _ []string) error {
			if _, err := sess.Vaults().ConvertToSharedVault(cmd.Context(), v.SystemIdentifier); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now shared\n", v.Name)
			return nil
		})
}

func newVaultInviteCommand(a *App) *cobra.Command {
	var perm string
	cmd := vaultCommand(a, "invite <vault> <contact>", "Invite a trusted contact to a shared vault", 2,
		func(cmd *cobra.Command, sess *session.Session, v models.Vault, args []string) error {
			c, err := resolveContact(sess, args[0])
			if err != nil {
				return err
			}
			inv, err := sess.Invites().Create(cmd.Context(), v.SystemIdentifier, c.ContactUUID, models.Permission(perm))
			if err != nil {
				return err
			}
			if inv, err = sess.Invites().Send(cmd.Context(), inv.UUID); err != nil {
				return fmt.Errorf("invite %s created but not sent: %w", shortID(inv.UUID), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invited %s to %s (%s)\n", c.Name, v.Name, shortID(inv.UUID))
			return nil
		})
	cmd.Flags().StringVar(&perm, "permission", string(models.PermissionWrite), "read, write or admin")
	return cmd
}

func newVaultMembersCommand(a *App) *cobra.Command {
	return vaultCommand(a, "members <vault>", "List the members of a shared vault", 1,
		func(cmd *cobra.Command, sess *session.Session, v models.Vault, _ []string) error {
			name := func(uuid string) string {
				if c, ok := sess.Contacts().Find(uuid); ok {
					return c.Name
				}
				return shortID(uuid)
			}
			laggards := make(map[string]bool)
			for _, u := range sess.Keys().Laggards(v.SystemIdentifier) {
				laggards[u] = true
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			if v.OwnerUUID != "" {
				fmt.Fprintf(tw, "%s\towner\t%d\t\n", name(v.OwnerUUID), v.KeyEpoch)
			}
			for _, m := range v.Members {
				note := ""
				if laggards[m.UserUUID] {
					note = styles.Warning.Render("rotation pending")
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", name(m.UserUUID), m.Permission, m.KeyEpoch, note)
			}
			return tw.Flush()
		})
}

func newVaultRemoveMemberCommand(a *App) *cobra.Command {
	return vaultCommand(a, "remove-member <vault> <contact>", "Remove a member and rotate the vault key", 2,
		func(cmd *cobra.Command, sess *session.Session, v models.Vault, args []string) error {
			user := args[0]
			if c, err := resolveContact(sess, user); err == nil {
				user = c.ContactUUID
			}
			res, err := sess.Vaults().RemoveMember(cmd.Context(), v.SystemIdentifier, user)
			if err != nil {
				return err
			}
			printRotation(cmd.OutOrStdout(), res)
			return nil
		})
}

func newVaultRotateCommand(a *App) *cobra.Command {
	var proceed bool
	cmd := vaultCommand(a, "rotate <vault>", "Rotate a vault key", 1,
		func(cmd *cobra.Command, sess *session.Session, v models.Vault, _ []string) error {
			if proceed {
				laggards, err := sess.ProceedWithoutLaggards(cmd.Context(), v.SystemIdentifier)
				if err != nil {
					return err
				}
				if len(laggards) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No members were pending, old keys retired")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), styles.Warning.Render(
					fmt.Sprintf("Stopped waiting for %d members, old keys retired", len(laggards))))
				return nil
			}
			res, err := sess.Vaults().RotateVaultKey(cmd.Context(), v.SystemIdentifier)
			if err != nil {
				return err
			}
			printRotation(cmd.OutOrStdout(), res)
			return nil
		})
	cmd.Flags().BoolVar(&proceed, "proceed", false, "stop waiting for members that have not confirmed the last rotation")
	return cmd
}

func newVaultDeleteCommand(a *App) *cobra.Command {
	var yes bool
	cmd := vaultCommand(a, "delete <vault>", "Delete a vault, or leave one shared with you", 1,
		func(cmd *cobra.Command, sess *session.Session, v models.Vault, _ []string) error {
			if !yes {
				ok, err := Confirm(a.in, fmt.Sprintf("Delete vault %s and its items?", v.Name), cmd.OutOrStdout())
				if err != nil || !ok {
					return err
				}
			}
			if err := sess.Vaults().DeleteVault(cmd.Context(), v.SystemIdentifier); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted vault %s\n", v.Name)
			return nil
		})
	cmd.Flags().BoolVar(&yes, "yes", false, "do not ask for confirmation")
	return cmd
}

func newInviteCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Answer or withdraw vault invites",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List invites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			now := time.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, inv := range sess.Invites().Invites() {
				other := inv.InviteeUUID
				if inv.Role == models.InviteInbound {
					other = inv.InviterUUID
				}
				if c, ok := sess.Contacts().Find(other); ok {
					other = c.Name
				} else {
					other = shortID(other)
				}
				expires := ""
				if !inv.Status.Terminal() {
					expires = "expires in " + inv.ExpiresAt.Sub(now).Round(time.Minute).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					shortID(inv.UUID), inv.Role, other, inv.Permission, inv.Status, expires)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(list,
		inviteAction(a, "accept", "Join the vault of an invite", func(cmd *cobra.Command, sess *session.Session, id string) error {
			v, err := sess.Invites().Accept(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Joined vault %s\n", v.Name)
			return nil
		}),
		inviteAction(a, "decline", "Decline an invite", func(cmd *cobra.Command, sess *session.Session, id string) error {
			return sess.Invites().Decline(cmd.Context(), id)
		}),
		inviteAction(a, "revoke", "Withdraw an invite you sent", func(cmd *cobra.Command, sess *session.Session, id string) error {
			_, err := sess.Invites().Revoke(cmd.Context(), id)
			return err
		}),
	)
	return cmd
}

func inviteAction(a *App, use, short string, run func(cmd *cobra.Command, sess *session.Session, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <invite>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			id, err := resolveInvite(sess, args[0])
			if err != nil {
				return err
			}
			return run(cmd, sess, id)
		},
	}
}

func resolveInvite(sess *session.Session, ref string) (string, error) {
	if _, ok := sess.Invites().Invite(ref); ok {
		return ref, nil
	}
	var found []string
	for _, inv := range sess.Invites().Invites() {
		if strings.HasPrefix(inv.UUID, ref) {
			found = append(found, inv.UUID)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("invite %q: %w", ref, common.ErrorNotFound)
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("%w: %q matches %d invites", errAmbiguous, ref, len(found))
}

func newContactCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage trusted contacts",
	}

	add := &cobra.Command{
		Use:   "add <user-uuid> <name>",
		Short: "Trust a user's published keys",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			c, err := sess.AddContact(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Trusted %s (key seq %d)\n", c.Name, c.KeySeq)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List trusted contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, c := range sess.Contacts().All() {
				name := c.Name
				if c.IsMe {
					name += " " + styles.Muted.Render("(me)")
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\n", c.ContactUUID, name, c.KeySeq)
			}
			return tw.Flush()
		},
	}

	remove := &cobra.Command{
		Use:   "remove <contact>",
		Short: "Stop trusting a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			c, err := resolveContact(sess, args[0])
			if err != nil {
				return err
			}
			return sess.Contacts().Remove(cmd.Context(), c.ContactUUID)
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func newKeysCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage this account's key pairs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Replace the key pairs and tell every contact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := sess.RotateKeyPairs(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Key pairs rotated")
			return nil
		},
	})
	return cmd
}
