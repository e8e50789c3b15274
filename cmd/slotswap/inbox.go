package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	slotswap "go-slotswap"

	"github.com/eiannone/keyboard"
	"github.com/spf13/cobra"
)

func newInboxCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "Watch incoming proposals and answer them from the keyboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			return a.withCoordinator(cmd, func(ctx context.Context, c *slotswap.Coordinator) error {
				return runInbox(ctx, c, caller)
			})
		},
	}
}

// runInbox redraws the caller's pending proposals every second. [a] accepts and [r] rejects the
// oldest pending one.
func runInbox(ctx context.Context, c *slotswap.Coordinator, caller string) error {
	var status string

	pending, err := pendingIncoming(ctx, c, caller)
	if err != nil {
		return err
	}
	printInbox(pending, status)

	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	var keyCh = make(chan rune)
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- char
		}
	}()

	for {
		select {
		case <-ticker.C:
		case key := <-keyCh:
			switch key {
			case 'a', 'A', 'r', 'R':
				if len(pending) == 0 {
					status = "Nothing to answer"
					break
				}
				var (
					target = pending[len(pending)-1].Proposal
					accept = key == 'a' || key == 'A'
				)
				answered, err := c.Respond(ctx, caller, target.ID, accept)
				if err != nil {
					status = fmt.Sprintf("❌ %s: %v", target.ID, err)
					break
				}
				status = fmt.Sprintf("✓ %s %s", answered.ID, answered.Status)
			case 'q', 'Q':
				fmt.Printf("\n\nBye\n")
				return nil
			}
		case <-sigCh:
			fmt.Printf("\n\nBye\n")
			return nil
		}

		pending, err = pendingIncoming(ctx, c, caller)
		if err != nil {
			status = fmt.Sprintf("❌ refresh failed: %v", err)
		}
		printInbox(pending, status)
	}
}

func pendingIncoming(ctx context.Context, c *slotswap.Coordinator, caller string) ([]slotswap.ProposalView, error) {
	views, err := c.ListIncoming(ctx, caller)
	if err != nil {
		return nil, err
	}

	var pending = views[:0]
	for _, v := range views {
		if v.Proposal.Status == slotswap.ProposalPending {
			pending = append(pending, v)
		}
	}
	return pending, nil
}

func printInbox(pending []slotswap.ProposalView, status string) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Printf("Pending proposals: %d\n\n", len(pending))
	printProposals(os.Stdout, pending)

	if status != "" {
		fmt.Printf("\n%s\n", status)
	}

	fmt.Printf("\nControls:\n")
	if len(pending) > 0 {
		fmt.Printf("  [a] Accept the oldest proposal\n")
		fmt.Printf("  [r] Reject the oldest proposal\n")
	}
	fmt.Printf("  [q] Quit\n")
}
