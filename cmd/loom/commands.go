package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// --- route ---

var routeCmd = &cobra.Command{
	Use:   "route <query>",
	Short: "Route a query and show where it lands",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		agentID, _ := cmd.Flags().GetString("agent")
		userID, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/route", map[string]any{
			"agent_id": agentID,
			"user_id":  userID,
			"query":    query,
			"origin":   "cli",
		})
		if err != nil {
			return err
		}

		var result struct {
			EventID    string `json:"event_id"`
			Method     string `json:"method"`
			Reason     string `json:"reason"`
			Narratives []struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"narratives"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Method", "%s", result.Method)
		printStatus("Reason", "%s", result.Reason)
		printStatus("Event", "%s", result.EventID)
		for i, n := range result.Narratives {
			marker := "  "
			if i == 0 {
				marker = colorize(colorBold, "→ ")
			}
			fmt.Printf("%s%s  %s\n", marker, colorize(colorCyan, shortID(n.ID)), n.Title)
		}
		return nil
	},
}

// --- narratives ---

var narrativesCmd = &cobra.Command{
	Use:   "narratives",
	Short: "List memory threads for an agent scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		userID, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/narratives?agent_id=%s&user_id=%s",
			url.QueryEscape(agentID), url.QueryEscape(userID))
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var narratives []struct {
			ID      string `json:"ID"`
			Title   string `json:"Title"`
			Special bool   `json:"Special"`
		}
		if err := decodeJSON(resp, &narratives); err != nil {
			return err
		}

		if len(narratives) == 0 {
			fmt.Println("No narratives found.")
			return nil
		}
		for _, n := range narratives {
			tag := ""
			if n.Special {
				tag = colorize(colorYellow, " [default]")
			}
			fmt.Printf("%s  %s%s\n", colorize(colorCyan, shortID(n.ID)), n.Title, tag)
		}
		return nil
	},
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/jobs?limit=%d", limit))
		if err != nil {
			return err
		}

		var list []struct {
			ID     string `json:"ID"`
			Type   string `json:"Type"`
			Status string `json:"Status"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range list {
			fmt.Printf("%s  %-10s %s\n", colorize(colorCyan, shortID(j.ID)), j.Type, j.Status)
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	routeCmd.Flags().String("agent", "default", "owning agent id")
	routeCmd.Flags().String("user", "", "requesting user id")
	narrativesCmd.Flags().String("agent", "default", "owning agent id")
	narrativesCmd.Flags().String("user", "", "owning user id")
	jobsCmd.Flags().Int("limit", 50, "maximum number of jobs to list")
}
