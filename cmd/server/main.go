package main

import (
	"log"

	"github.com/gin-gonic/gin"

	"github.com/chenchao1231/SocketRelay/internal/engine"
	"github.com/chenchao1231/SocketRelay/internal/httpapi"
	"github.com/chenchao1231/SocketRelay/internal/middleware"
	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/storage"
	"github.com/chenchao1231/SocketRelay/internal/ws"
)

func main() {
	db, err := storage.Open("./socketrelay.db")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	connStore := storage.NewConnectionStore(db)
	accessStore := storage.NewAccessRuleStore(db)

	metrics := &processMetrics{}
	status := &logOnlyStatusSink{}

	eng := engine.New(accessStore, connStore, metrics, status)
	defer eng.Shutdown()

	hub := ws.NewHub()
	go hub.Run()
	ws.Attach(hub, eng)

	r := gin.Default()
	r.Use(middleware.CORS())
	r.Use(middleware.Recovery())

	api := httpapi.New(eng, hub)
	api.RuleLookup = func(id int64) (model.Rule, bool) {
		// No rule CRUD store is wired by default; operators embedding this
		// binary are expected to replace RuleLookup with their own rule
		// store lookup.
		return model.Rule{}, false
	}
	api.Register(r)

	log.Println("starting HTTP server on :8081")
	if err := r.Run(":8081"); err != nil {
		log.Fatalf("failed to start HTTP server: %v", err)
	}
}
