package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/kindred-ai/kindred/internal/character"
	"github.com/kindred-ai/kindred/internal/convo"
	"github.com/kindred-ai/kindred/internal/director"
	"github.com/kindred-ai/kindred/internal/episode"
	"github.com/kindred-ai/kindred/internal/store"
	"github.com/kindred-ai/kindred/internal/tasks"
	"github.com/kindred-ai/kindred/pkg/observability"
)

func newChatCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a demo character from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(userID)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "local", "user id for the chat session")
	return cmd
}

func runChat(userID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	observability.InitMetrics()

	st := store.NewMemoryStore()
	defer st.Close()

	gw, err := buildGateway(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	char := &character.Character{
		ID:           "demo",
		Name:         "Nova",
		Tagline:      "Your sharp-tongued confidante",
		SystemPrompt: "You are Nova, a warm but sharp-tongued companion. Keep replies short and conversational.",
		Greeting:     "Hey, you made it. What's on your mind?",
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.SaveCharacter(ctx, char); err != nil {
		return err
	}

	runner := tasks.NewRunner(cfg.MaxBackgroundTasks)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := runner.Close(drainCtx); err != nil {
			log.Printf("background drain: %v", err)
		}
	}()

	dir := director.New(st, gw)
	orch := convo.NewOrchestrator(st, gw, runner, dir)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Printf("%s: %s\n", char.Name, char.Greeting)
	fmt.Println(`(type "quit" to leave, "end" to end the session)`)

	for {
		input, err := line.Prompt("you> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println()
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if input == "quit" {
			return nil
		}
		if input == "end" {
			if active, err := st.ActiveSession(ctx, userID, char.ID); err == nil {
				if _, err := orch.EndSession(ctx, active.ID, episode.ResolutionNeutral); err != nil {
					log.Printf("end session: %v", err)
				} else {
					fmt.Println("(session ended)")
				}
			}
			continue
		}

		fmt.Printf("%s: ", char.Name)
		_, err = orch.SendMessageStream(ctx, convo.SendRequest{
			UserID:      userID,
			CharacterID: char.ID,
			Content:     input,
		}, func(delta string) error {
			fmt.Print(delta)
			return nil
		})
		fmt.Println()
		if err != nil {
			log.Printf("turn failed: %v", err)
		}
	}
}
