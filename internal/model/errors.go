// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrChallengeNotFound はお題IDがフィード上で解決できない場合のエラー。
var ErrChallengeNotFound = errors.New("challenge not found in feed")

// CommandError はチャットコマンド処理中の想定内エラーを表す。
// Messageはそのままルームに返信される。
type CommandError struct {
	Code    string // エラーコード
	Message string // ユーザー向けメッセージ
}

// Error はerrorインターフェースを実装する。
func (e *CommandError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnknownHelpTopic = "UNKNOWN_HELP_TOPIC"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
)

// NewUnknownHelpTopicError は未知のヘルプトピックエラーを生成する。
func NewUnknownHelpTopicError(topic string) *CommandError {
	return &CommandError{
		Code:    ErrCodeUnknownHelpTopic,
		Message: fmt.Sprintf("Unknown help topic '%s'.", topic),
	}
}

// NewUnknownCommandError は未知のコマンドエラーを生成する。
func NewUnknownCommandError(command string) *CommandError {
	return &CommandError{
		Code:    ErrCodeUnknownCommand,
		Message: fmt.Sprintf("Unknown command '%s'. Try the 'help' command for more information.", command),
	}
}

// ConfigError は設定ファイル読み込み時のエラーを表す。
// 起動時に検出され、プロセスは非ゼロで終了する。
type ConfigError struct {
	Msg string
}

// Error はerrorインターフェースを実装する。
func (e *ConfigError) Error() string {
	return "config error: " + e.Msg
}
