package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/waypostfed/waypost/activitypub"
	"github.com/waypostfed/waypost/db"
	"github.com/waypostfed/waypost/queue"
	"github.com/waypostfed/waypost/util"
	"github.com/waypostfed/waypost/web"
)

func main() {
	createUser := flag.String("create-user", "", "create a local account and exit")
	flag.Parse()

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal("Could not read configuration", "err", err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	dbPath := conf.Conf.DbPath
	if dbPath == "" {
		dbPath = util.ResolveFilePath("waypost.db")
	}

	database, err := db.Open(dbPath)
	if err != nil {
		log.Fatal("Could not open database", "path", dbPath, "err", err)
	}
	defer database.Close()

	if *createUser != "" {
		username := util.NormalizeInput(*createUser)
		err, acc := database.CreateAccount(username, username, "", util.GeneratePemKeypair())
		if err != nil {
			log.Fatal("Could not create account", "username", username, "err", err)
		}
		log.Info("Account created", "username", acc.Username, "id", acc.Id)
		return
	}

	broker, err := queue.Dial(conf.Conf.AmqpUrl)
	if err != nil {
		log.Fatal("Could not connect to broker", "url", conf.Conf.AmqpUrl, "err", err)
	}
	defer broker.Close()

	resolver := activitypub.NewResolver(database, conf)
	publisher := activitypub.NewPublisher(database, broker)
	relations := activitypub.NewRelations(database, resolver, publisher, conf)
	classifier := activitypub.NewClassifier(database, broker, relations, conf)
	deliverer := activitypub.NewDeliverer(database, resolver, broker, conf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go classifier.Run(ctx)
	go deliverer.Run(ctx)

	server := web.NewServer(database, conf, resolver, relations, publisher, broker)
	if err := server.Run(ctx); err != nil {
		log.Fatal("HTTP server failed", "err", err)
	}
	log.Info("Shutting down")
}
