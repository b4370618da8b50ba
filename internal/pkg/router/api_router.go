package router

import (
	"github.com/Jalez/ui-designer-sub003/app/controllers"
	"github.com/Jalez/ui-designer-sub003/app/repository"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/billing"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/database"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	db := database.GetDB()
	repos := repository.NewFactory(db).GetRepositories()

	creditController := controllers.NewCreditController(newCreditService())
	billingController := controllers.NewBillingController(
		billing.NewTrackerFromDB(db),
		billing.NewReconciler(db, billing.NewStripeClientFromEnv()),
		repos.User,
	)

	creditsGroup := api.Group("/credits", middleware.RequireAPISessionAuth)
	creditsGroup.Get("/", creditController.HandleGetCredits)
	creditsGroup.Get("/history", creditController.HandleGetCreditHistory)
	creditsGroup.Post("/update", creditController.HandleUpdateCredits)

	admin := api.Group("/admin", middleware.RequireAPIAdmin)
	admin.Post("/credits", creditController.HandleAdminUpdateCredits)

	subscription := api.Group("/subscription", middleware.RequireAPISessionAuth)
	subscription.Get("/", billingController.HandleGetSubscription)
	subscription.Delete("/", billingController.HandleCancelSubscription)

	api.Post("/billing/portal", middleware.RequireAPISessionAuth, billingController.HandleCreatePortalSession)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
