package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"drdflow/internal/domain"
	"drdflow/internal/engine"
)

func assessmentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assessment", Aliases: []string{"a"}, Short: "Manage assessments"}
	cmd.AddCommand(assessmentCreateCmd())
	cmd.AddCommand(assessmentListCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "status <assessment-id>",
		Short: "Show workflow status and permitted actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.WorkflowStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printWorkflow(st)
			})
		},
	})
	return cmd
}

func assessmentCreateCmd() *cobra.Command {
	var id, title, framework, contentFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an assessment at version 1 in DRAFT",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(contentFile)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				a, err := e.CreateAssessment(ctx, engine.CreateAssessmentInput{
					ID:        id,
					ProjectID: projectID,
					Title:     title,
					Framework: framework,
					Content:   content,
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "assessment id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&framework, "framework", "DRD", "assessment framework")
	cmd.Flags().StringVar(&contentFile, "content", "", "JSON file with the initial content ('-' for stdin)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func assessmentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List assessments of the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListAssessments(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Framework", "Status", "Version")
				for _, a := range items {
					st, err := e.WorkflowStatus(ctx, a.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{a.ID, a.Title, a.Framework, st.Status, st.CurrentVersion})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "version", Short: "Manage assessment versions"}

	var contentFile string
	create := &cobra.Command{
		Use:   "create <assessment-id>",
		Short: "Append a new content version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(contentFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CreateVersion(ctx, args[0], content, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	create.Flags().StringVar(&contentFile, "content", "", "JSON file with the content ('-' for stdin)")
	_ = create.MarkFlagRequired("content")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list <assessment-id>",
		Short: "List versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Version", "Created", "By", "Restored from")
				for _, v := range items {
					restored := ""
					if v.RestoredFrom != nil {
						restored = strconv.Itoa(*v.RestoredFrom)
					}
					tw.AppendRow(table.Row{v.Version, v.CreatedAt, v.CreatedBy, restored})
				}
				tw.Render()
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <assessment-id> <version>",
		Short: "Print one version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetVersion(ctx, args[0], n)
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <assessment-id> <version>",
		Short: "Copy an old version into a new one and return to DRAFT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.RestoreVersion(ctx, args[0], n, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	})
	return cmd
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "review", Short: "Assign and record reviews"}
	cmd.AddCommand(reviewAssignCmd())

	cmd.AddCommand(&cobra.Command{
		Use:   "start <review-id>",
		Short: "Mark a review as in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rv, err := e.StartReview(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	})

	var rec, comments string
	var rating int
	complete := &cobra.Command{
		Use:   "complete <review-id>",
		Short: "Record a recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.CompleteInput{
				ReviewID:       args[0],
				Recommendation: rec,
				Comments:       comments,
				ActorID:        actorID(),
			}
			if cmd.Flags().Changed("rating") {
				in.Rating = &rating
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rv, err := e.CompleteReview(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	complete.Flags().StringVar(&rec, "recommendation", "", "approve, approve_with_changes, request_changes or reject")
	complete.Flags().StringVar(&comments, "comments", "", "review comments")
	complete.Flags().IntVar(&rating, "rating", 0, "rating 1-5")
	_ = complete.MarkFlagRequired("recommendation")
	cmd.AddCommand(complete)

	var skipReason string
	skip := &cobra.Command{
		Use:   "skip <review-id>",
		Short: "Close an open review without a verdict (admin roles only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rv, err := e.SkipReview(ctx, args[0], skipReason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	skip.Flags().StringVar(&skipReason, "reason", "", "why the review is skipped")
	cmd.AddCommand(skip)

	var listVersion int
	list := &cobra.Command{
		Use:   "list <assessment-id>",
		Short: "List review assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListReviews(ctx, args[0], listVersion)
				if err != nil {
					return err
				}
				return printReviews(items)
			})
		},
	}
	list.Flags().IntVar(&listVersion, "version", 0, "only this version (0 for all)")
	cmd.AddCommand(list)

	var progVersion int
	progress := &cobra.Command{
		Use:   "progress <assessment-id>",
		Short: "Show completed and skipped reviews for a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ReviewProgress(ctx, args[0], progVersion)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Version %d: %d of %d resolved, %d skipped (%.2f%%)\n", p.Version, p.Completed, p.Total, p.Skipped, p.Percentage)
				return nil
			})
		},
	}
	progress.Flags().IntVar(&progVersion, "version", 0, "version (defaults to current)")
	cmd.AddCommand(progress)

	var all bool
	mine := &cobra.Command{
		Use:   "mine",
		Short: "List reviews assigned to the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListReviewsForReviewer(ctx, actorID(), !all)
				if err != nil {
					return err
				}
				return printReviews(items)
			})
		},
	}
	mine.Flags().BoolVar(&all, "all", false, "include closed reviews")
	cmd.AddCommand(mine)
	return cmd
}

func reviewAssignCmd() *cobra.Command {
	var reviewers []string
	var due string
	var version int
	cmd := &cobra.Command{
		Use:   "assign <assessment-id>",
		Short: "Assign reviewers to a version while in DRAFT or REJECTED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseReviewers(reviewers, due)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AssignReviewers(ctx, engine.AssignInput{
					AssessmentID: args[0],
					Version:      version,
					Reviewers:    in,
					ActorID:      actorID(),
				})
				if err != nil {
					return err
				}
				return printReviews(items)
			})
		},
	}
	cmd.Flags().StringSliceVar(&reviewers, "reviewer", nil, "reviewer as user[:role], repeatable")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339) for every reviewer")
	cmd.Flags().IntVar(&version, "version", 0, "version (defaults to current)")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Aliases: []string{"wf"}, Short: "Move assessments through the approval workflow"}

	var reviewers []string
	var due string
	submit := &cobra.Command{
		Use:   "submit <assessment-id>",
		Short: "Submit the current version for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseReviewers(reviewers, due)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.SubmitForReview(ctx, engine.SubmitInput{AssessmentID: args[0], Reviewers: in, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printWorkflow(st)
			})
		},
	}
	submit.Flags().StringSliceVar(&reviewers, "reviewer", nil, "reviewer as user[:role], repeatable")
	submit.Flags().StringVar(&due, "due", "", "due date (RFC3339) for every reviewer")
	cmd.AddCommand(submit)

	var notes string
	approve := &cobra.Command{
		Use:   "approve <assessment-id>",
		Short: "Approve an assessment awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Approve(ctx, args[0], notes, actorID())
				if err != nil {
					return err
				}
				return printWorkflow(st)
			})
		},
	}
	approve.Flags().StringVar(&notes, "notes", "", "approval notes")
	cmd.AddCommand(approve)

	var reason string
	reject := &cobra.Command{
		Use:   "reject <assessment-id>",
		Short: "Reject an assessment awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Reject(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printWorkflow(st)
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = reject.MarkFlagRequired("reason")
	cmd.AddCommand(reject)

	cmd.AddCommand(&cobra.Command{
		Use:   "archive <assessment-id>",
		Short: "Archive an approved assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Archive(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printWorkflow(st)
			})
		},
	})
	return cmd
}

func printReviews(items []domain.ReviewAssignment) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Assessment", "Version", "Reviewer", "Role", "Status", "Recommendation", "Due", "Overdue")
	for _, rv := range items {
		rec, due := "", ""
		if rv.Recommendation != nil {
			rec = string(*rv.Recommendation)
		}
		if rv.DueDate != nil {
			due = *rv.DueDate
		}
		tw.AppendRow(table.Row{rv.ID, rv.AssessmentID, rv.Version, rv.ReviewerID, rv.Role, rv.Status, rec, due, rv.IsOverdue})
	}
	tw.Render()
	return nil
}

func parseReviewers(specs []string, due string) ([]engine.ReviewerInput, error) {
	out := make([]engine.ReviewerInput, 0, len(specs))
	for _, s := range specs {
		user, role, _ := strings.Cut(strings.TrimSpace(s), ":")
		if user == "" {
			return nil, fmt.Errorf("invalid reviewer %q", s)
		}
		in := engine.ReviewerInput{UserID: user, Role: role}
		if due != "" {
			d := due
			in.DueDate = &d
		}
		out = append(out, in)
	}
	return out, nil
}

func parseVersion(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &domain.InvalidArgumentError{Field: "version", Reason: fmt.Sprintf("%q is not a version number", raw)}
	}
	return n, nil
}

// readContent loads a JSON document from path, or stdin for "-". An empty
// path yields an empty object.
func readContent(path string) (json.RawMessage, error) {
	if path == "" {
		return json.RawMessage(`{}`), nil
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s: content is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}
