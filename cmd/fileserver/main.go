// Command fileserver runs the external shared-resource service: the
// append-only log that DME peers take turns writing to while holding the
// critical section. It is a standalone program; the dme core never
// imports it.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sincronizacion-distribuida/dme/internal/resource"
)

func main() {
	addr := flag.String("addr", envOr("FILESERVER_ADDR", ":5000"), "bind address")
	mongoURI := flag.String("mongo-uri", envOr("MONGO_URI", "mongodb://localhost:27017"), "MongoDB connection URI")
	database := flag.String("db", envOr("MONGO_DB", "dme_fileserver"), "MongoDB database name")
	collection := flag.String("collection", envOr("MONGO_COLLECTION", "entries"), "MongoDB collection name")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := resource.Connect(ctx, *mongoURI, *database, *collection)
	if err != nil {
		log.Fatalf("fileserver: connect to mongo: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	resource.NewServer(store).Register(r)

	log.Printf("fileserver: listening on %s (mongo=%s db=%s collection=%s)", *addr, *mongoURI, *database, *collection)
	if err := r.Run(*addr); err != nil {
		log.Fatalf("fileserver: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
