// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

func newClearCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				if !isTerminal(cmd.InOrStdin()) {
					return errors.New("refusing to clear without --yes when stdin is not a terminal")
				}
				confirmed := false
				err := huh.NewConfirm().
					Title("Delete every stored message?").
					Value(&confirmed).
					Run()
				if err != nil && !errors.Is(err, huh.ErrUserAborted) {
					return err
				}
				if !confirmed {
					return nil
				}
			}

			sess, err := a.newSession(nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.client.ClearMessages(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cleared all messages.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
