package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"drdflow/internal/domain"
	"drdflow/internal/engine"
)

func gateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "gate", Short: "Evaluate and pass stage gates"}

	cmd.AddCommand(&cobra.Command{
		Use:   "evaluate [gate-type]",
		Short: "Evaluate a gate (defaults to the one leaving the current phase)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				var gs domain.GateStatus
				if len(args) == 1 {
					gate, err := domain.ParseGateType(args[0])
					if err != nil {
						return err
					}
					if gs, err = e.EvaluateGate(ctx, projectID, gate); err != nil {
						return err
					}
				} else {
					next, ok, err := e.NextGate(ctx, projectID)
					if err != nil {
						return err
					}
					if !ok {
						fmt.Println("project is in its final phase")
						return nil
					}
					gs = next
				}
				return printGate(gs)
			})
		},
	})

	var met bool
	var evidence string
	record := &cobra.Command{
		Use:   "record <gate-type> <criterion-id>",
		Short: "Record evidence for a checklist item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := domain.ParseGateType(args[0])
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				c, err := e.RecordCriterion(ctx, engine.RecordCriterionInput{
					ProjectID:   projectID,
					GateType:    gate,
					CriterionID: args[1],
					Met:         met,
					Evidence:    evidence,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	record.Flags().BoolVar(&met, "met", true, "whether the criterion is met")
	record.Flags().StringVar(&evidence, "evidence", "", "evidence reference")
	cmd.AddCommand(record)

	var notes string
	pass := &cobra.Command{
		Use:   "pass <gate-type>",
		Short: "Pass a READY gate and advance the project one phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := domain.ParseGateType(args[0])
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.PassGate(ctx, engine.PassGateInput{ProjectID: projectID, GateType: gate, Notes: notes, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	pass.Flags().StringVar(&notes, "notes", "", "passage notes")
	cmd.AddCommand(pass)

	cmd.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "List passed gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListGatePassages(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Gate", "From", "To", "By", "At", "Notes")
				for _, gp := range items {
					tw.AppendRow(table.Row{gp.GateType, gp.FromPhase, gp.ToPhase, gp.PassedBy, gp.PassedAt, gp.Notes})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func printGate(gs domain.GateStatus) error {
	if viper.GetBool("json") {
		return printJSON(gs)
	}
	fmt.Printf("%s: %s -> %s [%s]\n", gs.GateType, gs.FromPhase, gs.ToPhase, gs.Status)
	tw := newTable("", "Criterion", "Evidence")
	for _, c := range gs.CompletionCriteria {
		mark := "✗"
		if c.IsMet {
			mark = "✓"
		}
		name := c.Criterion
		if name == "" {
			name = c.ID
		}
		tw.AppendRow(table.Row{mark, name, c.Evidence})
	}
	tw.Render()
	return nil
}
