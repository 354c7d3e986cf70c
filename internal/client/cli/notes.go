package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/dmitrijs2005/gophnotes/internal/collection"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/predicate"
	"github.com/dmitrijs2005/gophnotes/internal/session"
	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04"

var errAmbiguous = errors.New("ambiguous reference")

// resolve finds a live item of type ct by uuid, uuid prefix or title.
func resolve(sess *session.Session, ref string, ct models.ContentType) (*models.Item, error) {
	if it, ok := sess.Item(ref); ok && it.ContentType() == ct {
		return it, nil
	}
	var byPrefix, byTitle []*models.Item
	for it := range sess.Query(nil, collection.OfType(ct)) {
		if strings.HasPrefix(it.UUID(), ref) {
			byPrefix = append(byPrefix, it)
		}
		if strings.EqualFold(it.Title(), ref) {
			byTitle = append(byTitle, it)
		}
	}
	for _, found := range [][]*models.Item{byPrefix, byTitle} {
		switch len(found) {
		case 0:
			continue
		case 1:
			return found[0], nil
		default:
			return nil, fmt.Errorf("%w: %q matches %d %ss", errAmbiguous, ref, len(found), ct)
		}
	}
	return nil, fmt.Errorf("%s %q: %w", ct, ref, common.ErrorNotFound)
}

func shortID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

func newNoteCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Create, list and change notes",
	}
	cmd.AddCommand(
		newNoteAddCommand(a),
		newNoteListCommand(a),
		newNoteShowCommand(a),
		newNoteEditCommand(a),
		newNoteFlagCommand(a),
		newNoteDeleteCommand(a),
		newNoteHistoryCommand(a),
	)
	return cmd
}

func newNoteAddCommand(a *App) *cobra.Command {
	var title, text, vault string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a note",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			if title == "" {
				if title, err = GetSimpleText(a.in, "- Enter title", cmd.OutOrStdout()); err != nil {
					return err
				}
			}
			if text == "" {
				if text, err = GetMultiline(a.in, "- Enter note text", cmd.OutOrStdout()); err != nil {
					return err
				}
			}

			c := models.NoteContent{Title: title, Text: text}
			var it *models.Item
			if vault != "" {
				v, err := resolveVault(sess, vault)
				if err != nil {
					return err
				}
				it, err = sess.CreateItemInVault(cmd.Context(), v.SystemIdentifier, c)
				if err != nil {
					return err
				}
			} else if it, err = sess.CreateItem(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added note %s\n", shortID(it.UUID()))
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "note title")
	cmd.Flags().StringVar(&text, "text", "", "note text")
	cmd.Flags().StringVar(&vault, "vault", "", "vault to create the note in")
	return cmd
}

type listOptions struct {
	archived bool
	trashed  bool
	tag      string
	view     string
	where    string
	vault    string
	sort     string
	desc     bool
}

// filter builds the predicate for a listing. Trashed notes are shown only
// with --trashed and archived ones only with --archived.
func (o listOptions) filter(sess *session.Session) (predicate.Predicate, error) {
	parts := []predicate.Predicate{predicate.Where("trashed", predicate.OpEqual, o.trashed)}
	if !o.archived {
		parts = append(parts, predicate.Where("archived", predicate.OpEqual, false))
	}
	if o.view != "" {
		it, err := resolve(sess, o.view, models.ContentTypeSmartView)
		if err != nil {
			return nil, err
		}
		sv, _ := it.SmartView()
		p, err := predicate.Parse(sv.Predicate)
		if err != nil {
			return nil, fmt.Errorf("view %q: %w", sv.Title, err)
		}
		parts = append(parts, p)
	}
	if o.where != "" {
		p, err := predicate.Parse([]byte(o.where))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrValidation, err)
		}
		parts = append(parts, p)
	}
	return predicate.And(parts...), nil
}

func (o listOptions) sortKey() (collection.SortBy, error) {
	switch key := collection.SortBy(o.sort); key {
	case collection.SortByCreated, collection.SortByUpdated, collection.SortByTitle:
		return key, nil
	case "created":
		return collection.SortByCreated, nil
	case "updated", "":
		return collection.SortByUpdated, nil
	}
	return "", fmt.Errorf("%w: unknown sort key %q", common.ErrValidation, o.sort)
}

func newNoteListCommand(a *App) *cobra.Command {
	var o listOptions
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "l"},
		Short:   "List notes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			p, err := o.filter(sess)
			if err != nil {
				return err
			}
			key, err := o.sortKey()
			if err != nil {
				return err
			}

			opts := []collection.QueryOption{collection.OfType(models.ContentTypeNote)}
			if o.vault != "" {
				v, err := resolveVault(sess, o.vault)
				if err != nil {
					return err
				}
				opts = append(opts, collection.InVault(v.SystemIdentifier))
			}
			notes := slices.Collect(sess.Query(p, opts...))

			if o.tag != "" {
				tag, err := resolve(sess, o.tag, models.ContentTypeTag)
				if err != nil {
					return err
				}
				inTag := make(map[string]bool)
				for _, n := range sess.Collection().NotesInTag(tag.UUID(), true) {
					inTag[n.UUID()] = true
				}
				notes = slices.DeleteFunc(notes, func(it *models.Item) bool { return !inTag[it.UUID()] })
			}

			writeNotes(cmd.OutOrStdout(), collection.Sorted(notes, key, o.desc))
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&o.archived, "archived", false, "include archived notes")
	f.BoolVar(&o.trashed, "trashed", false, "show the trash instead")
	f.StringVar(&o.tag, "tag", "", "only notes in this tag or its children")
	f.StringVar(&o.view, "view", "", "only notes matching this smart view")
	f.StringVar(&o.where, "where", "", "only notes matching this predicate (JSON)")
	f.StringVar(&o.vault, "vault", "", "only notes in this vault")
	f.StringVar(&o.sort, "sort", "updated", "sort by created, updated or title")
	f.BoolVar(&o.desc, "desc", false, "reverse the order")
	return cmd
}

func writeNotes(out io.Writer, notes []*models.Item) {
	if len(notes) == 0 {
		fmt.Fprintln(out, styles.Muted.Render("no notes"))
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, it := range notes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			markers(it.Pinned(), it.Starred(), it.Dirty(), it.InVault()),
			shortID(it.UUID()),
			it.Title(),
			it.UpdatedAt().Local().Format(timeLayout),
		)
	}
	_ = tw.Flush()
}

func newNoteShowCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <note>",
		Short: "Print a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			it, err := resolve(sess, args[0], models.ContentTypeNote)
			if err != nil {
				return err
			}
			n, _ := it.Note()

			var b strings.Builder
			b.WriteString(styles.Title.Render(n.Title))
			b.WriteString("\n")
			b.WriteString(styles.Muted.Render(fmt.Sprintf("%s  updated %s", it.UUID(), it.UpdatedAt().Local().Format(timeLayout))))
			if tags := sess.Collection().TagsForNote(it.UUID()); len(tags) > 0 {
				titles := make([]string, 0, len(tags))
				for _, t := range tags {
					titles = append(titles, "#"+t.Title())
				}
				b.WriteString("\n" + styles.Muted.Render(strings.Join(titles, " ")))
			}
			if it.InVault() {
				if v, ok := sess.Vaults().Vault(it.KeySystemIdentifier()); ok {
					b.WriteString("\n" + styles.Muted.Render("vault "+v.Name))
				}
			}
			if it.DuplicateOf() != "" {
				b.WriteString("\n" + styles.Warning.Render("conflicted copy of "+shortID(it.DuplicateOf())))
			}
			b.WriteString("\n\n" + n.Text)
			fmt.Fprintln(cmd.OutOrStdout(), styles.Box.Render(b.String()))
			return nil
		},
	}
}

func newNoteEditCommand(a *App) *cobra.Command {
	var title, text string
	cmd := &cobra.Command{
		Use:   "edit <note>",
		Short: "Change a note's title or text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			it, err := resolve(sess, args[0], models.ContentTypeNote)
			if err != nil {
				return err
			}
			setTitle, setText := cmd.Flags().Changed("title"), cmd.Flags().Changed("text")
			if !setTitle && !setText {
				if text, err = GetMultiline(a.in, "- Enter new text", cmd.OutOrStdout()); err != nil {
					return err
				}
				setText = true
			}
			_, err = sess.ChangeItem(cmd.Context(), it.UUID(), func(c models.Content) (models.Content, error) {
				n := c.(models.NoteContent)
				if setTitle {
					n.Title = title
				}
				if setText {
					n.Text = text
				}
				return n, nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Changed note %s\n", shortID(it.UUID()))
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&text, "text", "", "new text")
	return cmd
}

func newNoteFlagCommand(a *App) *cobra.Command {
	var d models.AppData
	cmd := &cobra.Command{
		Use:   "flag <note>",
		Short: "Pin, star, archive or trash a note",
		Example: "  note flag groceries --pinned\n" +
			"  note flag groceries --trashed=false",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			it, err := resolve(sess, args[0], models.ContentTypeNote)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			_, err = sess.ChangeItem(cmd.Context(), it.UUID(), func(c models.Content) (models.Content, error) {
				n := c.(models.NoteContent)
				if f.Changed("pinned") {
					n.AppData.Pinned = d.Pinned
				}
				if f.Changed("starred") {
					n.AppData.Starred = d.Starred
				}
				if f.Changed("archived") {
					n.AppData.Archived = d.Archived
				}
				if f.Changed("trashed") {
					n.AppData.Trashed = d.Trashed
				}
				if f.Changed("protected") {
					n.AppData.Protected = d.Protected
				}
				return n, nil
			})
			return err
		},
	}
	f := cmd.Flags()
	f.BoolVar(&d.Pinned, "pinned", false, "pin to the top of listings")
	f.BoolVar(&d.Starred, "starred", false, "star")
	f.BoolVar(&d.Archived, "archived", false, "archive")
	f.BoolVar(&d.Trashed, "trashed", false, "move to the trash")
	f.BoolVar(&d.Protected, "protected", false, "protect")
	return cmd
}

func newNoteDeleteCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <note>",
		Aliases: []string{"rm"},
		Short:   "Delete a note everywhere",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			it, err := resolve(sess, args[0], models.ContentTypeNote)
			if err != nil {
				return err
			}
			if err := sess.DeleteItem(cmd.Context(), it.UUID()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted note %s\n", shortID(it.UUID()))
			return nil
		},
	}
}

func newNoteHistoryCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "history <note>",
		Short: "List the earlier revisions of a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			it, err := resolve(sess, args[0], models.ContentTypeNote)
			if err != nil {
				return err
			}
			revs := sess.History(it.UUID())
			out := cmd.OutOrStdout()
			if len(revs) == 0 {
				fmt.Fprintln(out, styles.Muted.Render("no earlier revisions"))
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for i, p := range revs {
				n, _ := p.Content.(models.NoteContent)
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, p.UpdatedAt.Local().Format(timeLayout), n.Title, preview(n.Text))
			}
			return tw.Flush()
		},
	}
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > 40 {
		return string(r[:40]) + "…"
	}
	return text
}

func newTagCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Organise notes with tags",
	}

	var parent string
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			c := models.TagContent{Title: args[0]}
			if parent != "" {
				p, err := resolve(sess, parent, models.ContentTypeTag)
				if err != nil {
					return err
				}
				c.ParentUUID = p.UUID()
			}
			it, err := sess.CreateItem(cmd.Context(), c)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added tag %s\n", shortID(it.UUID()))
			return nil
		},
	}
	add.Flags().StringVar(&parent, "parent", "", "nest under this tag")

	attach := &cobra.Command{
		Use:   "attach <tag> <note>",
		Short: "Put a note in a tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			tag, err := resolve(sess, args[0], models.ContentTypeTag)
			if err != nil {
				return err
			}
			note, err := resolve(sess, args[1], models.ContentTypeNote)
			if err != nil {
				return err
			}
			_, err = sess.ChangeItem(cmd.Context(), tag.UUID(), func(c models.Content) (models.Content, error) {
				t := c.(models.TagContent)
				for _, r := range t.References {
					if r.UUID == note.UUID() {
						return t, nil
					}
				}
				t.References = append(slices.Clone(t.References), models.Reference{UUID: note.UUID(), ContentType: models.ContentTypeNote})
				return t, nil
			})
			return err
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tags with their note counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			tags := collection.Sorted(slices.Collect(sess.Query(nil, collection.OfType(models.ContentTypeTag))), collection.SortByTitle, false)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, t := range tags {
				path := t.Title()
				for _, anc := range sess.Collection().Ancestors(t.UUID()) {
					path = anc.Title() + "/" + path
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\n", shortID(t.UUID()), path, len(sess.Collection().NotesInTag(t.UUID(), false)))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, attach, list)
	return cmd
}

func newViewCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Saved searches",
	}

	add := &cobra.Command{
		Use:   "add <title> <predicate>",
		Short: "Save a predicate as a smart view",
		Example: `  view add todo '["title", "startsWith", "TODO"]'` + "\n" +
			`  view add recent '{"keypath": "updated_at", "operator": ">", "value": "7.days.ago"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			p, err := predicate.Parse([]byte(args[1]))
			if err != nil {
				return fmt.Errorf("%w: %w", common.ErrValidation, err)
			}
			raw, err := predicate.Marshal(p)
			if err != nil {
				return err
			}
			it, err := sess.CreateItem(cmd.Context(), models.SmartViewContent{Title: args[0], Predicate: raw})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added view %s\n", shortID(it.UUID()))
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List smart views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			views := collection.Sorted(slices.Collect(sess.Query(nil, collection.OfType(models.ContentTypeSmartView))), collection.SortByTitle, false)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, v := range views {
				sv, _ := v.SmartView()
				fmt.Fprintf(tw, "%s\t%s\t%s\n", shortID(v.UUID()), sv.Title, string(sv.Predicate))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}
