package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/grantlinehq/grantline/internal/clock"
	"github.com/grantlinehq/grantline/internal/database"
	ledgerdomain "github.com/grantlinehq/grantline/internal/ledger/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *snowflake.Node, time.Time) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.CreditGrant{},
		&ledgerdomain.CreditTransaction{},
		&ledgerdomain.CreditTransactionDetail{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	svc := &Service{
		db:    db,
		log:   zap.NewNop(),
		genID: node,
		clock: clock.Fixed{T: now},
		tx:    database.NewTxRunnerWithTimeout(db, 10*time.Minute),
	}
	return svc, db, node, now
}

func TestGrantIssuesConfirmedTransaction(t *testing.T) {
	svc, db, node, now := newTestService(t)
	userID := node.Generate()

	grant, err := svc.Grant(context.Background(), ledgerdomain.GrantRequest{
		BillingUserID: userID,
		Amount:        100,
		Source:        ledgerdomain.GrantSourceNewUserAward,
	})
	require.NoError(t, err)

	require.Equal(t, int64(100), grant.Amount)
	require.Equal(t, int64(100), grant.RemainingAmount)
	require.Equal(t, int64(0), grant.UsedAmount)
	require.Equal(t, int64(0), grant.ReservedAmount)
	require.Equal(t, int64(100), grant.AvailableAmount)
	require.Equal(t, now, grant.ValidFrom)
	require.Nil(t, grant.ValidUntil)
	require.NoError(t, grant.CheckInvariants())

	var transaction ledgerdomain.CreditTransaction
	require.NoError(t, db.First(&transaction, "billing_user_id = ?", userID).Error)
	require.Equal(t, ledgerdomain.TransactionTypeGrant, transaction.Type)
	require.Equal(t, ledgerdomain.TransactionStatusConfirmed, transaction.Status)
	require.Equal(t, int64(100), transaction.TotalAmount)
	require.NotNil(t, transaction.ConfirmedAt)

	var details []ledgerdomain.CreditTransactionDetail
	require.NoError(t, db.Where("transaction_id = ?", transaction.ID).Find(&details).Error)
	require.Len(t, details, 1)
	require.Equal(t, grant.ID, details[0].GrantID)
	require.Equal(t, int64(100), details[0].Amount)
	require.Equal(t, int64(100), details[0].BalanceAfter)
}

func TestGrantRejectsNonPositiveAmount(t *testing.T) {
	svc, db, node, _ := newTestService(t)
	userID := node.Generate()

	_, err := svc.Grant(context.Background(), ledgerdomain.GrantRequest{
		BillingUserID: userID,
		Amount:        0,
		Source:        ledgerdomain.GrantSourceNewUserAward,
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	_, err = svc.Grant(context.Background(), ledgerdomain.GrantRequest{
		BillingUserID: userID,
		Amount:        -5,
		Source:        ledgerdomain.GrantSourceNewUserAward,
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.CreditGrant{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestGrantRollsBackWhenDetailInsertFails(t *testing.T) {
	svc, db, node, _ := newTestService(t)
	userID := node.Generate()

	// Failure injection: with the detail table gone the third insert fails
	// and the whole transaction must roll back.
	require.NoError(t, db.Migrator().DropTable(&ledgerdomain.CreditTransactionDetail{}))

	_, err := svc.Grant(context.Background(), ledgerdomain.GrantRequest{
		BillingUserID: userID,
		Amount:        100,
		Source:        ledgerdomain.GrantSourceNewUserAward,
	})
	require.Error(t, err)

	var grants, transactions int64
	require.NoError(t, db.Model(&ledgerdomain.CreditGrant{}).Count(&grants).Error)
	require.NoError(t, db.Model(&ledgerdomain.CreditTransaction{}).Count(&transactions).Error)
	require.Zero(t, grants)
	require.Zero(t, transactions)
}

func TestConsumeDrainsSoonestExpiringGrantFirst(t *testing.T) {
	svc, db, node, now := newTestService(t)
	userID := node.Generate()
	ctx := context.Background()

	expiring := now.Add(48 * time.Hour)
	first, err := svc.Grant(ctx, ledgerdomain.GrantRequest{
		BillingUserID: userID, Amount: 30, Source: ledgerdomain.GrantSourceDailyLogin, ValidUntil: &expiring,
	})
	require.NoError(t, err)
	second, err := svc.Grant(ctx, ledgerdomain.GrantRequest{
		BillingUserID: userID, Amount: 100, Source: ledgerdomain.GrantSourceSubscription,
	})
	require.NoError(t, err)

	transaction, err := svc.Consume(ctx, userID, 50, "image generation")
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.TransactionTypeConsume, transaction.Type)
	require.Equal(t, ledgerdomain.TransactionStatusConfirmed, transaction.Status)

	var g1, g2 ledgerdomain.CreditGrant
	require.NoError(t, db.First(&g1, "id = ?", first.ID).Error)
	require.NoError(t, db.First(&g2, "id = ?", second.ID).Error)

	// The expiring grant drains fully before the open-ended one is touched.
	require.Equal(t, int64(0), g1.AvailableAmount)
	require.Equal(t, int64(30), g1.UsedAmount)
	require.Equal(t, int64(80), g2.AvailableAmount)
	require.Equal(t, int64(20), g2.UsedAmount)
	require.NoError(t, g1.CheckInvariants())
	require.NoError(t, g2.CheckInvariants())

	var details []ledgerdomain.CreditTransactionDetail
	require.NoError(t, db.Where("transaction_id = ?", transaction.ID).Order("amount DESC").Find(&details).Error)
	require.Len(t, details, 2)

	balance, err := svc.Balance(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(80), balance)
}

func TestConsumeInsufficientCreditsLeavesLedgerUntouched(t *testing.T) {
	svc, db, node, _ := newTestService(t)
	userID := node.Generate()
	ctx := context.Background()

	grant, err := svc.Grant(ctx, ledgerdomain.GrantRequest{
		BillingUserID: userID, Amount: 10, Source: ledgerdomain.GrantSourcePurchase,
	})
	require.NoError(t, err)

	_, err = svc.Consume(ctx, userID, 25, "too much")
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	var reloaded ledgerdomain.CreditGrant
	require.NoError(t, db.First(&reloaded, "id = ?", grant.ID).Error)
	require.Equal(t, int64(10), reloaded.AvailableAmount)
	require.Equal(t, int64(0), reloaded.UsedAmount)

	var consumeCount int64
	require.NoError(t, db.Model(&ledgerdomain.CreditTransaction{}).
		Where("type = ?", ledgerdomain.TransactionTypeConsume).
		Count(&consumeCount).Error)
	require.Zero(t, consumeCount)
}

func TestReserveCommitPreservesInvariants(t *testing.T) {
	svc, db, node, _ := newTestService(t)
	userID := node.Generate()
	ctx := context.Background()

	grant, err := svc.Grant(ctx, ledgerdomain.GrantRequest{
		BillingUserID: userID, Amount: 100, Source: ledgerdomain.GrantSourceSubscription,
	})
	require.NoError(t, err)

	reservation, err := svc.Reserve(ctx, userID, 40, "video task hold")
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.TransactionStatusPending, reservation.Status)

	var held ledgerdomain.CreditGrant
	require.NoError(t, db.First(&held, "id = ?", grant.ID).Error)
	require.Equal(t, int64(40), held.ReservedAmount)
	require.Equal(t, int64(60), held.AvailableAmount)
	require.Equal(t, int64(100), held.RemainingAmount)
	require.NoError(t, held.CheckInvariants())

	require.NoError(t, svc.CommitReservation(ctx, reservation.ID))

	require.NoError(t, db.First(&held, "id = ?", grant.ID).Error)
	require.Equal(t, int64(0), held.ReservedAmount)
	require.Equal(t, int64(60), held.RemainingAmount)
	require.Equal(t, int64(40), held.UsedAmount)
	require.Equal(t, int64(60), held.AvailableAmount)
	require.NoError(t, held.CheckInvariants())

	// A settled reservation cannot be settled again.
	require.ErrorIs(t, svc.CommitReservation(ctx, reservation.ID), ledgerdomain.ErrReservationNotOpen)
	require.ErrorIs(t, svc.ReleaseReservation(ctx, reservation.ID), ledgerdomain.ErrReservationNotOpen)
}

func TestReleaseReservationReturnsHold(t *testing.T) {
	svc, db, node, _ := newTestService(t)
	userID := node.Generate()
	ctx := context.Background()

	grant, err := svc.Grant(ctx, ledgerdomain.GrantRequest{
		BillingUserID: userID, Amount: 100, Source: ledgerdomain.GrantSourceSubscription,
	})
	require.NoError(t, err)

	reservation, err := svc.Reserve(ctx, userID, 70, "hold")
	require.NoError(t, err)
	require.NoError(t, svc.ReleaseReservation(ctx, reservation.ID))

	var reloaded ledgerdomain.CreditGrant
	require.NoError(t, db.First(&reloaded, "id = ?", grant.ID).Error)
	require.Equal(t, int64(0), reloaded.ReservedAmount)
	require.Equal(t, int64(100), reloaded.AvailableAmount)
	require.Equal(t, int64(0), reloaded.UsedAmount)
	require.NoError(t, reloaded.CheckInvariants())

	var transaction ledgerdomain.CreditTransaction
	require.NoError(t, db.First(&transaction, "id = ?", reservation.ID).Error)
	require.Equal(t, ledgerdomain.TransactionStatusReversed, transaction.Status)
}

func TestBalanceIgnoresExpiredAndFutureGrants(t *testing.T) {
	svc, _, node, now := newTestService(t)
	userID := node.Generate()
	ctx := context.Background()

	expired := now.Add(-time.Hour)
	_, err := svc.Grant(ctx, ledgerdomain.GrantRequest{
		BillingUserID: userID, Amount: 50, Source: ledgerdomain.GrantSourcePromotion,
		ValidFrom: now.Add(-48 * time.Hour), ValidUntil: &expired,
	})
	require.NoError(t, err)

	_, err = svc.Grant(ctx, ledgerdomain.GrantRequest{
		BillingUserID: userID, Amount: 30, Source: ledgerdomain.GrantSourcePromotion,
		ValidFrom: now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	_, err = svc.Grant(ctx, ledgerdomain.GrantRequest{
		BillingUserID: userID, Amount: 20, Source: ledgerdomain.GrantSourceDailyLogin,
	})
	require.NoError(t, err)

	balance, err := svc.Balance(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(20), balance)
}

func TestInvariantsHoldAcrossOperationSequences(t *testing.T) {
	svc, db, node, _ := newTestService(t)
	userID := node.Generate()
	ctx := context.Background()

	checkAll := func() {
		var grants []ledgerdomain.CreditGrant
		require.NoError(t, db.Where("billing_user_id = ?", userID).Find(&grants).Error)
		for _, g := range grants {
			require.NoError(t, g.CheckInvariants())
		}
	}

	for _, amount := range []int64{100, 250, 40} {
		_, err := svc.Grant(ctx, ledgerdomain.GrantRequest{
			BillingUserID: userID, Amount: amount, Source: ledgerdomain.GrantSourceSubscription,
		})
		require.NoError(t, err)
		checkAll()
	}

	_, err := svc.Consume(ctx, userID, 120, "batch")
	require.NoError(t, err)
	checkAll()

	reservation, err := svc.Reserve(ctx, userID, 200, "hold")
	require.NoError(t, err)
	checkAll()

	require.NoError(t, svc.CommitReservation(ctx, reservation.ID))
	checkAll()

	balance, err := svc.Balance(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(70), balance)
}
