package broker

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"trade-governor/internal/models"
)

// Property: a request built from valid venue enums with positive quantity
// and the prices its order type needs always validates.
func TestProperty_ValidRequestsPassValidation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("well formed requests validate", prop.ForAll(
		func(symbol string, side models.OrderSide, typ models.OrderType, product models.ProductType, qty int, price float64, validity string) bool {
			req := OrderRequest{
				Symbol:       symbol,
				Exchange:     models.NSE,
				Side:         side,
				Type:         typ,
				Product:      product,
				Quantity:     qty,
				Price:        price,
				TriggerPrice: price * 0.99,
				Validity:     validity,
			}
			return req.Validate() == nil
		},
		gen.OneConstOf("RELIANCE", "TCS", "INFY", "SBIN"),
		gen.OneConstOf(models.OrderSideBuy, models.OrderSideSell),
		gen.OneConstOf(models.OrderTypeMarket, models.OrderTypeLimit, models.OrderTypeStopLoss, models.OrderTypeStopLossM),
		gen.OneConstOf(models.ProductMIS, models.ProductCNC, models.ProductNRML),
		gen.IntRange(1, 1000),
		gen.Float64Range(1, 5000),
		gen.OneConstOf("", "DAY", "IOC"),
	))

	properties.Property("non-positive quantity never validates", prop.ForAll(
		func(qty int) bool {
			req := OrderRequest{Symbol: "SBIN", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Product: models.ProductCNC, Quantity: qty}
			return req.Validate() != nil
		},
		gen.IntRange(-100, 0),
	))

	properties.TestingRun(t)
}

func TestValidateRejectsMissingPrices(t *testing.T) {
	base := OrderRequest{Symbol: "SBIN", Side: models.OrderSideSell, Product: models.ProductMIS, Quantity: 1}

	limit := base
	limit.Type = models.OrderTypeLimit
	assert.Error(t, limit.Validate())

	slm := base
	slm.Type = models.OrderTypeStopLossM
	assert.Error(t, slm.Validate())

	sl := base
	sl.Type = models.OrderTypeStopLoss
	sl.TriggerPrice = 100
	assert.Error(t, sl.Validate())

	bad := base
	bad.Type = models.OrderTypeMarket
	bad.Validity = "GTC"
	assert.Error(t, bad.Validate())
}

func TestInstrumentKey(t *testing.T) {
	assert.Equal(t, "NSE:SBIN", instrumentKey("", "SBIN"))
	assert.Equal(t, "BSE:TCS", instrumentKey(models.BSE, "TCS"))
}
