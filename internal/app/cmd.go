package app

import (
	"fmt"
	"io"
	"strings"
)

// Command はathenバイナリのサブコマンド。
type Command string

const (
	CommandServe       Command = "serve"
	CommandWorker      Command = "worker"
	CommandMigrate     Command = "migrate"
	CommandHealthcheck Command = "healthcheck"
	CommandHelp        Command = "help"
)

// commands は表示順を保ったサブコマンド一覧。
var commands = []struct {
	cmd     Command
	aliases []string
	summary string
}{
	{CommandServe, nil, "チャットAPIサーバーを起動する（デフォルト）"},
	{CommandWorker, nil, "期限切れセッションと古い会話ログを定期削除する"},
	{CommandMigrate, nil, "未適用のデータベースマイグレーションを適用する"},
	{CommandHealthcheck, nil, "起動中のサーバーの /health を確認する"},
	{CommandHelp, []string{"-h", "--help"}, "このヘルプを表示する"},
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 引数なし・未知の値はCommandServeとして扱い、2つ目以降の引数は無視する。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	name := strings.ToLower(strings.TrimSpace(args[0]))
	for _, c := range commands {
		if string(c.cmd) == name {
			return c.cmd
		}
		for _, a := range c.aliases {
			if a == name {
				return c.cmd
			}
		}
	}
	return CommandServe
}

// needsConfig は環境変数による設定読み込みが必要かを返す。
func (c Command) needsConfig() bool {
	return c != CommandHealthcheck && c != CommandHelp
}

// Usage はサブコマンド一覧をwに書き出す。
func Usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: athen <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.cmd, c.summary)
	}
}
