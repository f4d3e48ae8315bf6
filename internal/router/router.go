// Package router 注册内部运维 HTTP 接口。对外业务 API（REST/GraphQL、
// 鉴权）由上层网关负责，不在本系统内；这里只暴露引擎运维所需的最小面：
// 建单 / 确认 / 取消、订单与步骤账目查询、卡单处理、带外回填
// （签名、寄达的 ICCID）、SIM 池预热。
package router

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"telco_orders/internal/config"
	"telco_orders/internal/engine"
	"telco_orders/internal/middleware"
	"telco_orders/internal/model"
	simpool "telco_orders/pkg/redis"
)

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, db *gorm.DB, rdb *rd.Client, svc *engine.OrderService, cfg config.AppConfig) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	ops := r.Group("/ops",
		middleware.AdminToken(cfg.OpsAdminToken),
		middleware.RedisRateLimit(rdb, cfg.OpsRateLimit, cfg.OpsRateWindow))

	ops.GET("/offers", listOffers(db))
	ops.POST("/offers", createOffer(db))

	ops.POST("/orders", createOrder(db))
	ops.GET("/orders/stalled", listStalled(svc, cfg.StallThreshold))
	ops.GET("/orders/:id", getOrder(db))
	ops.POST("/orders/:id/confirm", confirmOrder(svc))
	ops.POST("/orders/:id/abort", abortOrder(svc))
	ops.POST("/orders/:id/release", releaseStalled(svc, cfg.StallThreshold))
	ops.POST("/orders/:id/signature", recordSignature(db))
	ops.POST("/orders/:id/iccid", recordICCID(db))
	ops.POST("/sim_pool/:sim_type", preloadSimPool(rdb))
}

func listOffers(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var offers []model.Offer
		if err := db.Order("id ASC").Find(&offers).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": offers})
	}
}

// createOffer 维护资费目录（金额单位分）。
func createOffer(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name         string `json:"name" binding:"required"`
			MonthlyPrice int64  `json:"monthly_price" binding:"required,min=1"`
			DataMB       int64  `json:"data_mb"`
			PeriodDays   int    `json:"period_days"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if req.PeriodDays <= 0 {
			req.PeriodDays = 30
		}
		offer := &model.Offer{
			Name:         req.Name,
			MonthlyPrice: req.MonthlyPrice,
			DataMB:       req.DataMB,
			PeriodDays:   req.PeriodDays,
		}
		if err := db.Create(offer).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": offer})
	}
}

// createOrder 内部建单：主记录与类型明细同事务落库。
// confirm=true 时直接建成 Confirmed，跳过草稿态。
func createOrder(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Type           model.OrderType `json:"type" binding:"required"`
			UserID         int64           `json:"user_id" binding:"required,min=1"`
			SubscriptionID *uint           `json:"subscription_id"`
			Confirm        bool            `json:"confirm"`

			OfferID           uint          `json:"offer_id"`
			SimType           model.SimType `json:"sim_type"`
			ICCID             string        `json:"iccid"`
			PromoCode         string        `json:"promo_code"`
			MSISDN            string        `json:"msisdn"`
			DonorOperator     string        `json:"donor_operator"`
			RecipientOperator string        `json:"recipient_operator"`
			Reason            string        `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		status := model.OrderDraft
		if req.Confirm {
			status = model.OrderConfirmed
		}
		order := &model.Order{
			OrderNo:        "TO" + uuid.New().String()[:12],
			Type:           req.Type,
			Status:         status,
			Action:         model.ActionRun,
			UserID:         req.UserID,
			SubscriptionID: req.SubscriptionID,
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(order).Error; err != nil {
				return err
			}
			detail, err := detailFor(order, req.OfferID, req.SimType, req.ICCID, req.PromoCode,
				req.MSISDN, req.DonorOperator, req.RecipientOperator, req.Reason)
			if err != nil {
				return err
			}
			return tx.Create(detail).Error
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": order})
	}
}

// detailFor 按订单类型构造明细记录，保证判别字段与 type 一致。
func detailFor(order *model.Order, offerID uint, simType model.SimType, iccid, promo,
	msisdn, donor, recipient, reason string) (any, error) {
	switch order.Type {
	case model.OrderTypeAddPlan:
		if offerID == 0 || simType == "" {
			return nil, errors.New("add_plan requires offer_id and sim_type")
		}
		d := &model.AddPlanDetail{OfferID: offerID, SimType: simType, ICCID: iccid, PromoCode: promo}
		d.OrderID = order.ID
		return d, nil
	case model.OrderTypeRenewPlan:
		if offerID == 0 {
			return nil, errors.New("renew_plan requires offer_id")
		}
		d := &model.RenewPlanDetail{OfferID: offerID}
		d.OrderID = order.ID
		return d, nil
	case model.OrderTypeChangePlan:
		if offerID == 0 {
			return nil, errors.New("change_plan requires offer_id")
		}
		d := &model.ChangePlanDetail{NewOfferID: offerID}
		d.OrderID = order.ID
		return d, nil
	case model.OrderTypeSimSwap:
		if simType == "" {
			return nil, errors.New("sim_swap requires sim_type")
		}
		d := &model.SimSwapDetail{SimType: simType, ICCID: iccid}
		d.OrderID = order.ID
		return d, nil
	case model.OrderTypePortIn:
		if msisdn == "" || donor == "" {
			return nil, errors.New("port_in requires msisdn and donor_operator")
		}
		d := &model.PortInDetail{MSISDN: msisdn, DonorOperator: donor}
		d.OrderID = order.ID
		return d, nil
	case model.OrderTypePortOut:
		if recipient == "" {
			return nil, errors.New("port_out requires recipient_operator")
		}
		d := &model.PortOutDetail{RecipientOperator: recipient}
		d.OrderID = order.ID
		return d, nil
	case model.OrderTypeDeactivatePlan:
		d := &model.DeactivateDetail{Reason: reason}
		d.OrderID = order.ID
		return d, nil
	default:
		return nil, errors.New("unknown order type")
	}
}

// getOrder 返回订单及其四张账目表视图（计划步骤、各次 Run 与 Run 步骤）。
func getOrder(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}

		var order model.Order
		if err := db.First(&order, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "order not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		var steps []model.OrderStep
		if err := db.Where("order_id = ?", order.ID).Order("step_no ASC").Find(&steps).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		var runs []model.OrderRun
		if err := db.Where("order_id = ?", order.ID).Order("id ASC").Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		var runSteps []model.OrderRunStep
		if err := db.Where("order_id = ?", order.ID).Order("run_id ASC, step_no ASC").Find(&runSteps).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
			"order":     order,
			"steps":     steps,
			"runs":      runs,
			"run_steps": runSteps,
		}})
	}
}

// confirmOrder 草稿确认，交给物化轮询接管。
func confirmOrder(svc *engine.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		if err := svc.Confirm(c.Request.Context(), uint(id)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "confirmed"})
	}
}

// abortOrder 取消订单：未入引擎的短路置 Aborted，其余转 Abort 反向补偿。
func abortOrder(svc *engine.OrderService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		err := svc.RequestAbort(c.Request.Context(), uint(id))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "abort requested"})
		case errors.Is(err, engine.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "order not found"})
		case errors.Is(err, engine.ErrOrderTerminal):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "order already terminal"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
		}
	}
}

// listStalled 列出卡在 Processing 超过阈值的订单，供运维排查。
func listStalled(svc *engine.OrderService, threshold time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := svc.StalledOrders(c.Request.Context(), threshold, 100)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": orders})
	}
}

// releaseStalled 手工解锁卡单：回到 Pending，从最后提交的 step_no 重入。
func releaseStalled(svc *engine.OrderService, threshold time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		if err := svc.ReleaseStalled(c.Request.Context(), uint(id), threshold); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "released"})
	}
}

// recordSignature 带外回填钱包签名，SIGN 步骤下次重入时完成校验。
func recordSignature(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		var req struct {
			Signature string `json:"signature" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		var order model.Order
		if err := db.First(&order, id).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "order not found"})
			return
		}

		var res *gorm.DB
		switch order.Type {
		case model.OrderTypePortIn:
			res = db.Model(&model.PortInDetail{}).Where("order_id = ?", order.ID).
				Update("signature", req.Signature)
		case model.OrderTypePortOut:
			res = db.Model(&model.PortOutDetail{}).Where("order_id = ?", order.ID).
				Update("signature", req.Signature)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "order type has no signature flow"})
			return
		}
		if res.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": res.Error.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "signature recorded"})
	}
}

// recordICCID 实体卡寄达后录入 ICCID，SHIPPING 步骤随后放行。
func recordICCID(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c)
		if !ok {
			return
		}
		var req struct {
			ICCID string `json:"iccid" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		var order model.Order
		if err := db.First(&order, id).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "order not found"})
			return
		}

		var res *gorm.DB
		switch order.Type {
		case model.OrderTypeAddPlan:
			res = db.Model(&model.AddPlanDetail{}).Where("order_id = ?", order.ID).
				Update("iccid", req.ICCID)
		case model.OrderTypeSimSwap:
			res = db.Model(&model.SimSwapDetail{}).Where("order_id = ?", order.ID).
				Update("iccid", req.ICCID)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "order type has no sim flow"})
			return
		}
		if res.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": res.Error.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "iccid recorded"})
	}
}

// preloadSimPool 预热 / 补充某一形态的 ICCID 池。
func preloadSimPool(rdb *rd.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		simType := c.Param("sim_type")
		if simType != string(model.SimPhysical) && simType != string(model.SimESIM) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid sim_type"})
			return
		}
		var req struct {
			ICCIDs []string `json:"iccids" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if err := simpool.LoadPool(c.Request.Context(), rdb, simType, req.ICCIDs...); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "pool loaded", "count": len(req.ICCIDs)})
	}
}

// paramID 解析路径中的订单 id。
func paramID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid order id"})
		return 0, false
	}
	return id, true
}
