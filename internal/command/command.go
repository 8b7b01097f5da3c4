// Package command はルーム内のチャットコマンドを処理する。
package command

import (
	"errors"
	"strings"

	"github.com/hitoshi/challengebot/internal/model"
)

const defaultHelp = "Hello, I am a bot! Use `help commands` to view available commands."

// Dispatcher はプレフィックス付きのメッセージを解釈して返信を生成する。
type Dispatcher struct {
	prefix   string
	helpText string
}

// NewDispatcher はDispatcherを生成する。
// helpTextは "help commands" への返信本文。
func NewDispatcher(prefix, helpText string) *Dispatcher {
	return &Dispatcher{prefix: prefix, helpText: helpText}
}

// Handle はメッセージ本文を処理し、返信とコマンドとして扱ったかを返す。
// プレフィックスで始まらないメッセージはfalseを返す。
// 想定内のエラーは "Error: ..." 形式の返信に変換する。
func (d *Dispatcher) Handle(body string) (model.Message, bool) {
	fields := strings.Fields(body)
	if len(fields) == 0 || fields[0] != d.prefix {
		return model.Message{}, false
	}

	reply, err := d.dispatch(fields[1:])
	if err != nil {
		var cmdErr *model.CommandError
		if errors.As(err, &cmdErr) {
			return model.TextMessage("Error: " + cmdErr.Message), true
		}
		return model.TextMessage("An unknown error occurred: " + err.Error()), true
	}
	return reply, true
}

func (d *Dispatcher) dispatch(args []string) (model.Message, error) {
	if len(args) == 0 {
		return d.help(nil)
	}

	switch name := strings.ToLower(args[0]); name {
	case "help":
		return d.help(args[1:])
	default:
		return model.Message{}, model.NewUnknownCommandError(args[0])
	}
}

func (d *Dispatcher) help(args []string) (model.Message, error) {
	if len(args) == 0 {
		return model.TextMessage(defaultHelp), nil
	}

	switch topic := args[0]; topic {
	case "commands":
		return model.TextMessage(d.helpText), nil
	default:
		return model.Message{}, model.NewUnknownHelpTopicError(topic)
	}
}
