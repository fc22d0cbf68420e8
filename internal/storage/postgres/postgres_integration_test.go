// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package postgres_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/internal/storage/postgres"
)

// setupPostgres starts a PostgreSQL container and returns a migrated store.
func setupPostgres() (*postgres.Store, func(), error) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("authflow_test"),
		tcpostgres.WithUsername("authflow"),
		tcpostgres.WithPassword("authflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, nil, err
	}

	migrator, err := postgres.NewMigrator(connStr)
	if err != nil {
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		return nil, nil, err
	}
	_ = migrator.Close()

	store, err := postgres.Open(ctx, connStr)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		_ = store.Close()
		_ = container.Terminate(ctx)
	}
	return store, cleanup, nil
}

var _ = Describe("Store", func() {
	var store *postgres.Store
	var cleanup func()

	BeforeEach(func() {
		var err error
		store, cleanup, err = setupPostgres()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cleanup()
	})

	It("passes the write/remove probe", func() {
		Expect(store.Probe(context.Background())).To(Succeed())
	})

	It("upserts and reads values", func() {
		ctx := context.Background()
		Expect(store.Set(ctx, "guard:state", []byte("1"))).To(Succeed())
		Expect(store.Set(ctx, "guard:state", []byte("2"))).To(Succeed())

		got, err := store.Get(ctx, "guard:state")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("2"))
	})

	It("purges a tab namespace without touching others", func() {
		ctx := context.Background()
		tabA := storage.NewScoped(store, storage.SessionPrefix("A"))
		tabB := storage.NewScoped(store, storage.SessionPrefix("B"))
		Expect(tabA.Set(ctx, "guard", []byte("a"))).To(Succeed())
		Expect(tabB.Set(ctx, "guard", []byte("b"))).To(Succeed())

		Expect(tabA.Purge(ctx)).To(Succeed())

		_, err := tabA.Get(ctx, "guard")
		Expect(err).To(MatchError(storage.ErrNotFound))
		got, err := tabB.Get(ctx, "guard")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("b"))
	})
})
