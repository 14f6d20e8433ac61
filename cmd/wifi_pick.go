// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/atlink/pkg/wifi"
)

var wifiPickCmd = &cobra.Command{
	Use:   "pick",
	Short: "Scan, choose an access point from a list and join it",
	Long: `Scan for access points, show them in an interactive list ordered by
signal strength and join the one selected with Enter.

Arrow keys navigate the list, / filters it, Esc cancels.`,
	RunE: runWiFiPick,
}

func init() {
	wifiCmd.AddCommand(wifiPickCmd)
	wifiPickCmd.Flags().IntVar(&scanTimeout, "timeout", 10, "Timeout in seconds for the scan")
}

// Implement list.Item interface
func (ap accessPoint) Title() string { return ap.ssid }
func (ap accessPoint) Description() string {
	return fmt.Sprintf("%d dBm  ch %d  %s", ap.rssi, ap.channel, ap.encryptionName())
}
func (ap accessPoint) FilterValue() string { return ap.ssid }

// pickModel is a single list of access points
type pickModel struct {
	list     list.Model
	chosen   *accessPoint
	quitting bool
}

func newPickModel(found []accessPoint) pickModel {
	items := make([]list.Item, len(found))
	for i, ap := range found {
		items[i] = ap
	}

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	l := list.New(items, delegate, 50, 14)
	l.Title = "Access Points"
	l.SetShowStatusBar(false)

	return pickModel{list: l}
}

func (m pickModel) Init() tea.Cmd {
	return nil
}

func (m pickModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if ap, ok := m.list.SelectedItem().(accessPoint); ok {
				m.chosen = &ap
			}
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		// Adjust list size based on terminal size
		height := msg.Height - 2
		if height < 5 {
			height = 5
		}
		m.list.SetSize(msg.Width, height)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m pickModel) View() string {
	if m.quitting {
		return ""
	}
	return m.list.View()
}

func runWiFiPick(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		fmt.Printf("Scanning via %s...\n", s.info)
		found, completed := scanAccessPoints(ctx, s.link, time.Duration(scanTimeout)*time.Second)
		if len(found) == 0 {
			if !completed {
				return errors.Timeoutf("scan after %ds", scanTimeout)
			}
			return errors.NotFoundf("access points")
		}

		final, err := tea.NewProgram(newPickModel(found), tea.WithContext(ctx)).Run()
		if err != nil {
			return errors.Annotate(err, "access point list")
		}
		chosen := final.(pickModel).chosen
		if chosen == nil {
			fmt.Println("No access point selected")
			return nil
		}

		creds := wifi.Credentials{SSID: chosen.ssid}
		if cfg.WiFi.SSID == chosen.ssid {
			creds.Password = cfg.WiFi.Password
		}
		if creds.Password == "" && chosen.encryption != 0 {
			if creds.Password, err = promptSecret(fmt.Sprintf("Password for %s: ", chosen.ssid)); err != nil {
				return err
			}
		}
		if err := creds.Validate(); err != nil {
			return err
		}

		station, err := newStation(s)
		if err != nil {
			return err
		}
		defer station.Close()

		fmt.Printf("Joining %s...\n", creds.SSID)
		ok, err := station.Connect(ctx, creds)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("could not join %s after %d resets", creds.SSID, station.Resets())
		}
		fmt.Printf("Connected to %s (%d resets)\n", creds.SSID, station.Resets())
		return nil
	})
}
