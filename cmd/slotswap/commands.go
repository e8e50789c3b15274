package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	slotswap "go-slotswap"

	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				fmt.Printf("✓ Schema ready (prefix %q)\n", a.cfg.TablePrefix)
				return nil
			})
		},
	}
}

func newUserCmd(a *app) *cobra.Command {
	var userCmd = &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var email string
	var addCmd = &cobra.Command{
		Use:   "add NAME",
		Short: "Register a user and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				user, err := c.RegisterUser(ctx, args[0], email)
				if err != nil {
					return err
				}
				fmt.Println(user.ID)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&email, "email", "", "Email address")

	userCmd.AddCommand(addCmd)
	return userCmd
}

// slotFlags are the descriptive fields shared by slot create and slot update.
type slotFlags struct {
	title       string
	description string
	start       string
	end         string
}

func (f *slotFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "Slot title")
	cmd.Flags().StringVar(&f.description, "description", "", "Slot description")
	cmd.Flags().StringVar(&f.start, "start", "", "Start time (RFC 3339)")
	cmd.Flags().StringVar(&f.end, "end", "", "End time (RFC 3339)")
}

func (f *slotFlags) input() (slotswap.SlotInput, error) {
	start, err := time.Parse(time.RFC3339, f.start)
	if err != nil {
		return slotswap.SlotInput{}, fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, f.end)
	if err != nil {
		return slotswap.SlotInput{}, fmt.Errorf("invalid --end: %w", err)
	}
	return slotswap.SlotInput{
		Title:       f.title,
		Description: f.description,
		StartTime:   start,
		EndTime:     end,
	}, nil
}

func newSlotCmd(a *app) *cobra.Command {
	var slotCmd = &cobra.Command{
		Use:   "slot",
		Short: "Manage your slots",
	}

	var createFlags slotFlags
	var createCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a held slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			input, err := createFlags.input()
			if err != nil {
				return err
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				slot, err := c.CreateSlot(ctx, caller, input)
				if err != nil {
					return err
				}
				fmt.Println(slot.ID)
				return nil
			})
		},
	}
	createFlags.register(createCmd)

	var updateFlags slotFlags
	var updateCmd = &cobra.Command{
		Use:   "update SLOT",
		Short: "Replace a slot's title, description and times",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			input, err := updateFlags.input()
			if err != nil {
				return err
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				slot, err := c.UpdateSlot(ctx, caller, args[0], input)
				if err != nil {
					return err
				}
				printSlots(os.Stdout, []*slotswap.Slot{slot})
				return nil
			})
		},
	}
	updateFlags.register(updateCmd)

	var statusCmd = func(use, short string, status slotswap.SlotStatus) *cobra.Command {
		return &cobra.Command{
			Use:   use + " SLOT",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				caller, err := a.caller()
				if err != nil {
					return err
				}
				return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
					slot, err := c.SetSlotStatus(ctx, caller, args[0], status)
					if err != nil {
						return err
					}
					fmt.Printf("✓ Slot %s is %s\n", slot.ID, slot.Status)
					return nil
				})
			},
		}
	}

	var deleteCmd = &cobra.Command{
		Use:   "delete SLOT",
		Short: "Delete a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				if err := c.DeleteSlot(ctx, caller, args[0]); err != nil {
					return err
				}
				fmt.Printf("✓ Slot %s deleted\n", args[0])
				return nil
			})
		},
	}

	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List your slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				slots, err := c.ListSlots(ctx, caller)
				if err != nil {
					return err
				}
				printSlots(os.Stdout, slots)
				return nil
			})
		},
	}

	slotCmd.AddCommand(
		createCmd,
		updateCmd,
		statusCmd("offer", "Put a slot up for trade", slotswap.SlotOffered),
		statusCmd("hold", "Take a slot off the market", slotswap.SlotHeld),
		deleteCmd,
		listCmd,
	)
	return slotCmd
}

func newMarketCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "market",
		Short: "List slots other users are offering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				slots, err := c.ListOffered(ctx, caller)
				if err != nil {
					return err
				}
				printSlots(os.Stdout, slots)
				return nil
			})
		},
	}
}

func newProposeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "propose MY_SLOT THEIR_SLOT",
		Short: "Offer one of your slots in exchange for someone else's",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				proposal, err := c.Propose(ctx, caller, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Println(proposal.ID)
				return nil
			})
		},
	}
}

func newRespondCmd(a *app) *cobra.Command {
	var accept, reject bool

	var respondCmd = &cobra.Command{
		Use:   "respond PROPOSAL",
		Short: "Accept or reject a proposal addressed to you",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				proposal, err := c.Respond(ctx, caller, args[0], accept)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Proposal %s %s\n", proposal.ID, proposal.Status)
				return nil
			})
		},
	}
	respondCmd.Flags().BoolVar(&accept, "accept", false, "Accept the swap")
	respondCmd.Flags().BoolVar(&reject, "reject", false, "Reject the swap")
	respondCmd.MarkFlagsMutuallyExclusive("accept", "reject")
	respondCmd.MarkFlagsOneRequired("accept", "reject")

	return respondCmd
}

func newIncomingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "incoming",
		Short: "List proposals addressed to you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				views, err := c.ListIncoming(ctx, caller)
				if err != nil {
					return err
				}
				printProposals(os.Stdout, views)
				return nil
			})
		},
	}
}

func newOutgoingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "outgoing",
		Short: "List proposals you made",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				views, err := c.ListOutgoing(ctx, caller)
				if err != nil {
					return err
				}
				printProposals(os.Stdout, views)
				return nil
			})
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	var out string

	var exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write your slots as an iCalendar file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				if out == "" || out == "-" {
					return c.ExportCalendar(ctx, caller, os.Stdout)
				}
				return exportToFile(ctx, c, caller, out)
			})
		},
	}
	exportCmd.Flags().StringVarP(&out, "out", "o", "-", "Output file, - for stdout")

	return exportCmd
}

// exportToFile writes the caller's calendar to path. A failed close is reported, since it can
// mean the file was never fully written.
func exportToFile(ctx context.Context, c *slotswap.Coordinator, caller, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := c.ExportCalendar(ctx, caller, file); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func newAuditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check that slot locks and pending proposals agree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				violations, err := c.Audit(ctx)
				if err != nil {
					return err
				}
				if len(violations) == 0 {
					fmt.Println("✓ No violations")
					return nil
				}

				var w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KIND\tSLOT\tPROPOSAL\tSINCE\tDETAIL")
				for _, v := range violations {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.Kind, v.SlotID, v.ProposalID, v.Since.Format(time.RFC3339), v.Detail)
				}
				w.Flush()

				return fmt.Errorf("%d violation(s) found", len(violations))
			})
		},
	}
}

func newSweepCmd(a *app) *cobra.Command {
	var watch bool

	var sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Release orphaned locks and record incidents for the rest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				if !watch {
					report, err := c.Sweep(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("violations=%d deferred=%d released=%d incidents=%d\n",
						report.Violations, report.Deferred, len(report.Released), report.Incidents)
					return nil
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				fmt.Fprintf(os.Stderr, "Sweeping every %s, press Ctrl+C to stop\n", a.cfg.SweepInterval)
				c.RunSweeper(ctx, a.cfg.SweepInterval)
				return nil
			})
		},
	}
	sweepCmd.Flags().BoolVar(&watch, "watch", false, "Keep sweeping on an interval")
	sweepCmd.Flags().DurationVar(&a.cfg.SweepInterval, "interval", a.cfg.SweepInterval, "Interval between sweeps with --watch")

	return sweepCmd
}

func printSlots(w io.Writer, slots []*slotswap.Slot) {
	var tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTART\tEND\tOWNER\tTITLE")
	for _, s := range slots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Status, s.StartTime.Format(time.RFC3339), s.EndTime.Format(time.RFC3339), s.Owner, s.Title)
	}
	tw.Flush()
}

func printProposals(w io.Writer, views []slotswap.ProposalView) {
	var tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFROM\tGIVES\tTO\tWANTS\tCREATED")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Proposal.ID,
			v.Proposal.Status,
			v.ProposerUser.Name,
			describeSlot(v.ProposerSlot),
			v.RecipientUser.Name,
			describeSlot(v.RecipientSlot),
			v.Proposal.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func describeSlot(s slotswap.Slot) string {
	return fmt.Sprintf("%s (%s)", s.Title, s.StartTime.Format("Mon 02 Jan 15:04"))
}

// exitCode maps an error to a process exit status by kind.
func exitCode(err error) int {
	var e *slotswap.Error
	if !errors.As(err, &e) {
		return 1
	}
	switch e.Kind {
	case slotswap.KindInvalidArgument:
		return 2
	case slotswap.KindNotFound:
		return 3
	case slotswap.KindForbidden:
		return 4
	case slotswap.KindConflict:
		return 5
	default:
		return 1
	}
}
