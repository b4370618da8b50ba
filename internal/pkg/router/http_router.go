package router

import (
	"time"

	"github.com/Jalez/ui-designer-sub003/app/controllers"
	"github.com/Jalez/ui-designer-sub003/app/repository"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/billing"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/credits"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/database"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/middleware"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/session"

	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	db := database.GetDB()
	repos := repository.NewFactory(db).GetRepositories()
	reconciler := billing.NewReconciler(db, billing.NewStripeClientFromEnv())
	billingController := controllers.NewBillingController(
		billing.NewTrackerFromDB(db),
		reconciler,
		repos.User,
	)

	// Provider webhooks carry their own signature; no session auth here.
	app.Post("/webhooks/billing", billingController.HandleBillingWebhook)

	// Web-flow billing management (redirect based)
	billingWeb := app.Group("/account/billing", middleware.RequireAuth)
	billingWeb.Get("/portal", billingController.HandlePortalRedirect)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}

// newCreditService wires the credit service used by the API router.
func newCreditService() *credits.Service {
	return credits.NewServiceFromDB(
		database.GetDB(),
		credits.DefaultPricingTable(),
		credits.NewRedisSnapshotCache(time.Minute),
	)
}
