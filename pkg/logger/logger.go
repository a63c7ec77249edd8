package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log является глобальным экземпляром логгера для всего приложения.
// До вызова Init указывает на логгер с настройками по умолчанию, чтобы
// пакеты можно было использовать в тестах без явной инициализации.
var Log = logrus.New()

// Init инициализирует глобальный логгер.
// Эта функция должна быть вызвана один раз при старте приложения в main.go.
func Init() {
	Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stdout)
}

// Configure задает уровень, формат и вывод явно (конфиг-файл, тесты).
func Configure(levelName, format string, out io.Writer) {
	l := logrus.New()

	// 1. Уровень логирования. По умолчанию - "info".
	if levelName == "" {
		levelName = "info"
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	// 2. Форматтер.
	// "json" - для продакшена и сбора логов.
	// "text" - для удобной разработки.
	if strings.ToLower(format) == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
	}

	// 3. Куда писать
	l.SetOutput(out)

	Log = l
}

// For возвращает запись с полем component.
func For(component string) *logrus.Entry {
	return Log.WithField("component", component)
}
