package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/learnhub/learnsync"
	"github.com/spf13/cobra"
)

var quizAnswers []string

func init() {
	quizCmd.Flags().StringArrayVar(&quizAnswers, "answer", nil, "answer as question-id=value (repeatable)")
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(quizCmd)
}

var progressCmd = &cobra.Command{
	Use:   "progress [content-id] [percentage]",
	Short: "Show or record learning progress",
	Long:  "With no arguments, list progress. With a content id and percentage, record it\n(queued for later when offline).",
	Args:  cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			user, err := a.userID()
			if err != nil {
				return err
			}
			switch len(args) {
			case 0:
				list := a.progress.ListProgress(ctx, user)
				if len(list) == 0 {
					fmt.Println("No progress recorded.")
				}
				for _, p := range list {
					mark := ""
					if p.Completed {
						mark = " (completed)"
					}
					fmt.Printf("  %-12s %3d%%%s\n", p.ContentID, p.ProgressPercentage, mark)
				}
				return nil
			case 1:
				p, ok := a.progress.GetProgress(ctx, user, args[0])
				if !ok {
					fmt.Printf("No progress for %s\n", args[0])
					return nil
				}
				fmt.Printf("%s: %d%%\n", p.ContentID, p.ProgressPercentage)
				return nil
			}
			pct, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("percentage must be an integer: %w", err)
			}
			rec := a.progress.UpdateProgress(ctx, user, args[0], pct)
			fmt.Printf("Recorded %s at %d%%\n", rec.ContentID, rec.ProgressPercentage)
			return nil
		})
	},
}

var quizCmd = &cobra.Command{
	Use:   "quiz <quiz-id> <score>",
	Short: "Submit a quiz result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("score must be a number: %w", err)
		}
		answers, err := parseAnswers(quizAnswers)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			user, err := a.userID()
			if err != nil {
				return err
			}
			sent := a.progress.SubmitQuiz(ctx, learnsync.QuizSubmission{
				UserID:  user,
				QuizID:  args[0],
				Score:   score,
				Answers: answers,
			})
			if sent {
				fmt.Println("Quiz result submitted")
			} else {
				fmt.Println("Quiz result queued for sync")
			}
			return nil
		})
	},
}

func parseAnswers(raw []string) ([]learnsync.QuizAnswer, error) {
	var out []learnsync.QuizAnswer
	for _, r := range raw {
		q, v, ok := strings.Cut(r, "=")
		if !ok || q == "" {
			return nil, fmt.Errorf("answer %q must be question-id=value", r)
		}
		out = append(out, learnsync.QuizAnswer{QuestionID: q, Answer: v})
	}
	return out, nil
}
