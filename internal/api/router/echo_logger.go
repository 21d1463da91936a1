package router

import (
	"github.com/rs/zerolog"
)

// echoLogger 把 echo 内部日志（启动地址等）转到 zerolog
type echoLogger struct {
	level zerolog.Level
	log   zerolog.Logger
}

func (l *echoLogger) Write(p []byte) (int, error) {
	msg := string(p)
	for len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}
	l.log.WithLevel(l.level).Msg(msg)
	return len(p), nil
}
