package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"agent-chat/internal/service"
	"agent-chat/internal/session"
)

type cliConfig struct {
	APIURL     string `env:"API_URL" envDefault:"http://localhost:8080"`
	ThreadID   string `env:"THREAD_ID"`
	ResourceID string `env:"DEFAULT_RESOURCE_ID" envDefault:"user-1"`
	JWTSecret  string `env:"JWT_SECRET"`
}

func main() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	var cfg cliConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatal(err)
	}

	logger := zap.NewExample()
	defer logger.Sync()

	// Con JWT configurado el CLI firma su propio token para el recurso local.
	var token string
	if cfg.JWTSecret != "" {
		issued, err := service.NewJWTService(cfg.JWTSecret, 0).Issue(cfg.ResourceID)
		if err != nil {
			log.Fatalf("firmar token: %v", err)
		}
		token = issued
	}
	transport := session.NewHTTPTransport(cfg.APIURL, token, nil)

	threadID := cfg.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	out := &printer{}
	var current atomic.Pointer[session.Controller]
	current.Store(openThread(ctx, logger, transport, threadID, out))

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	go func() {
		for range interrupts {
			controller := current.Load()
			state := controller.Session().State()
			if state == session.AwaitingConnection || state == session.Streaming {
				if _, err := controller.Cancel(ctx); err != nil {
					fmt.Printf("\n[no se pudo avisar al servidor: %v]\n", err)
				}
				continue
			}
			fmt.Println("\nSaliendo...")
			os.Exit(0)
		}
	}()

	fmt.Println("---- Chat (/new, /threads, /open <id>, /salir; Ctrl+C detiene la respuesta) ----")
	for {
		fmt.Print("Tu > ")
		text, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		text = strings.TrimSpace(text)
		switch {
		case text == "":
			continue
		case text == "/salir" || text == "/exit":
			return
		case text == "/new":
			th, err := transport.CreateThread(ctx)
			if err != nil {
				fmt.Printf("error creando hilo: %v\n", err)
				continue
			}
			current.Store(openThread(ctx, logger, transport, th.ID, out))
			continue
		case text == "/threads":
			threads, err := transport.ListThreads(ctx)
			if err != nil {
				fmt.Printf("error listando hilos: %v\n", err)
				continue
			}
			for _, th := range threads {
				fmt.Printf("  %s  %s\n", th.ID, th.Title)
			}
			continue
		case strings.HasPrefix(text, "/open "):
			current.Store(openThread(ctx, logger, transport, strings.TrimSpace(strings.TrimPrefix(text, "/open ")), out))
			continue
		}

		controller := current.Load()
		out.reset()
		if err := controller.Send(ctx, text); err != nil && !errors.Is(err, session.ErrProtocol) {
			var rejected *session.RejectedError
			if !errors.As(err, &rejected) {
				fmt.Printf("error: %v\n", err)
			}
		}
		out.finish(controller.Session().Messages())
	}
}

func openThread(ctx context.Context, logger *zap.Logger, transport *session.HTTPTransport, threadID string, out *printer) *session.Controller {
	controller := session.NewController(logger, transport, session.New(threadID, nil), out.update)
	if err := controller.Refresh(ctx); err != nil {
		fmt.Printf("error cargando hilo: %v\n", err)
	}
	fmt.Printf("Hilo %s\n", threadID)
	for _, m := range controller.Session().Messages() {
		fmt.Printf("%s > %s\n", m.Role, m.Content)
	}
	return controller
}

// printer imprime la respuesta provisional a medida que crece.
type printer struct {
	mu      sync.Mutex
	printed string
	active  bool
}

func (p *printer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = ""
	p.active = true
}

func (p *printer) update(list []session.DisplayMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || len(list) == 0 {
		return
	}
	last := list[len(list)-1]
	if last.Status != session.StatusProvisional || last.Content == session.PlaceholderText {
		return
	}
	if p.printed == "" {
		fmt.Print("agente > ")
	}
	if strings.HasPrefix(last.Content, p.printed) {
		fmt.Print(last.Content[len(p.printed):])
		p.printed = last.Content
	}
	if last.Stopped {
		fmt.Print(" [detenido]")
		p.active = false
	}
}

func (p *printer) finish(list []session.DisplayMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed != "" {
		fmt.Println()
	}
	p.active = false
	for _, m := range list {
		switch m.Status {
		case session.StatusError:
			fmt.Printf("[!] %s\n", m.Content)
		case session.StatusUnconfirmed:
			fmt.Printf("[mensaje no guardado] %s\n", m.Content)
		}
	}
}
