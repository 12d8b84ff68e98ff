package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"bookalign/internal/bookindex"
)

func (a *app) newBuildIndexCmd() *cobra.Command {
	var (
		output string
		title  string
		author string
		wpm    float64
	)
	cmd := &cobra.Command{
		Use:   "build-index <manuscript>",
		Short: "Index a TXT/Markdown manuscript into book-index.json",
		Long: `Build the canonical book index from a plain-text or Markdown manuscript.
Rich formats (DOCX/RTF) are indexed by the document-parsing collaborator;
this command covers the plain formats.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bookindex.Build(args[0], bookindex.BuildOptions{
				Title:          title,
				Author:         author,
				WordsPerMinute: wpm,
			})
			if err != nil {
				return err
			}
			out := output
			if out == "" {
				out = "book-index.json"
			}
			if err := b.Save(out); err != nil {
				return err
			}
			fmt.Printf("indexed %d words, %d sentences, %d sections -> %s\n",
				b.Totals.Words, b.Totals.Sentences, len(b.Sections), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default book-index.json)")
	cmd.Flags().StringVar(&title, "title", "", "book title")
	cmd.Flags().StringVar(&author, "author", "", "book author")
	cmd.Flags().Float64Var(&wpm, "wpm", bookindex.DefaultWordsPerMinute, "narration pace for duration estimates")
	return cmd
}

func (a *app) newBookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book index utilities",
	}

	verify := &cobra.Command{
		Use:   "verify <book-index.json>",
		Short: "Check a book index's partition and reference invariants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bookindex.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d words, %d sentences, %d paragraphs, %d sections\n",
				b.Totals.Words, b.Totals.Sentences, b.Totals.Paragraphs, len(b.Sections))
			return nil
		},
	}

	var inPlace bool
	populate := &cobra.Command{
		Use:   "populate-phonemes <book-index.json>",
		Short: "Fill missing word phonemes with the rule-based mapper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bookindex.Load(args[0])
			if err != nil {
				return err
			}
			n := b.PopulatePhonemes()
			out := args[0]
			if !inPlace {
				out = args[0] + ".phonemes.json"
			}
			if err := b.Save(out); err != nil {
				return err
			}
			fmt.Printf("populated %d words -> %s\n", n, out)
			return nil
		},
	}
	populate.Flags().BoolVar(&inPlace, "in-place", false, "overwrite the input file")

	cmd.AddCommand(verify, populate)
	return cmd
}
