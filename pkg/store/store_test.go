/*
Copyright 2025 The Jarvis Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store_test

import (
	"context"
	"database/sql"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgconn"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexushome/jarvis/pkg/store"
	"github.com/nexushome/jarvis/pkg/types"
)

var _ = Describe("Store", func() {
	var (
		db   *sql.DB
		mock sqlmock.Sqlmock
		st   *store.Store
		ctx  context.Context
	)

	BeforeEach(func() {
		var err error
		db, mock, err = sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		st = store.NewWithDB(db, logr.Discard())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		_ = db.Close()
	})

	Describe("attempt accounting", func() {
		It("counts only attempts inside the rolling window", func() {
			mock.ExpectQuery(`SELECT COUNT\(\*\) FROM remediation_log`).
				WithArgs("ContainerDown", "nexus:omada", sqlmock.AnyArg()).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

			n, err := st.CountAttempts(ctx, "ContainerDown", "nexus:omada", 2*time.Hour)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(2))
		})

		It("reports how many rows a resolve cleared, and zero on the second call", func() {
			mock.ExpectExec(`DELETE FROM remediation_log`).
				WithArgs("ContainerDown", "nexus:omada", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 3))
			mock.ExpectExec(`DELETE FROM remediation_log`).
				WithArgs("ContainerDown", "nexus:omada", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 0))

			n, err := st.ClearAttempts(ctx, "ContainerDown", "nexus:omada", 2*time.Hour)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(3))

			n, err = st.ClearAttempts(ctx, "ContainerDown", "nexus:omada", 2*time.Hour)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(BeZero(), "clearing must be idempotent")
		})
	})

	Describe("error classification", func() {
		It("maps connection failures to ErrStoreUnavailable and flips health", func() {
			mock.ExpectQuery(`SELECT COUNT\(\*\) FROM remediation_log`).
				WillReturnError(&pgconn.PgError{Code: "08006"})

			_, err := st.CountAttempts(ctx, "ContainerDown", "nexus:omada", time.Hour)
			Expect(err).To(MatchError(store.ErrStoreUnavailable),
				"the pipeline keys degraded mode off this sentinel")
			Expect(st.Healthy()).To(BeFalse())
		})

		It("maps missing rows to ErrNotFound", func() {
			mock.ExpectQuery(`SELECT \* FROM remediation_patterns WHERE id`).
				WithArgs(int64(99)).
				WillReturnError(sql.ErrNoRows)

			_, err := st.GetPattern(ctx, 99)
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("restores health after a successful operation", func() {
			mock.ExpectQuery(`SELECT COUNT\(\*\) FROM remediation_log`).
				WillReturnError(&pgconn.PgError{Code: "08006"})
			mock.ExpectQuery(`SELECT COUNT\(\*\) FROM remediation_log`).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

			_, _ = st.CountAttempts(ctx, "A", "k", time.Hour)
			Expect(st.Healthy()).To(BeFalse())

			_, err := st.CountAttempts(ctx, "A", "k", time.Hour)
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Healthy()).To(BeTrue())
		})
	})

	Describe("handoff mutex", func() {
		It("surfaces the partial unique index as ErrHandoffConflict", func() {
			mock.ExpectExec(`INSERT INTO self_preservation_handoffs`).
				WillReturnError(&pgconn.PgError{Code: "23505"})

			err := st.CreateHandoff(ctx, &types.SelfRestartHandoff{
				HandoffID:     "h-2",
				RestartTarget: types.RestartTargetService,
			})
			Expect(err).To(MatchError(store.ErrHandoffConflict),
				"two concurrent self-restarts must never both proceed")
		})

		It("refuses to transition a handoff that is no longer active", func() {
			mock.ExpectExec(`UPDATE self_preservation_handoffs`).
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := st.UpdateHandoffStatus(ctx, "h-1", types.HandoffCancelled, "cancelled")
			Expect(err).To(MatchError(store.ErrNotFound),
				"terminal states are irreversible")
		})
	})

	Describe("pattern confidence", func() {
		It("applies the success update in one statement", func() {
			mock.ExpectExec(`UPDATE remediation_patterns SET`).
				WithArgs(int64(5), 12.0, sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(st.UpdatePatternOutcome(ctx, 5, true, 12*time.Second)).To(Succeed())
		})

		It("applies the failure update in one statement", func() {
			mock.ExpectExec(`UPDATE remediation_patterns SET`).
				WithArgs(int64(5), 3.0, sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(st.UpdatePatternOutcome(ctx, 5, false, 3*time.Second)).To(Succeed())
		})
	})
})
