package model_test

import (
	"errors"
	"testing"

	model "github.com/okian/fedlab/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestRoundConfig(t *testing.T) {
	convey.Convey("Given a RoundConfig", t, func() {
		convey.Convey("When the coordinator omitted every option", func() {
			cfg := model.RoundConfig{}.WithDefaults(model.DefaultLocalEpochs, model.DefaultLearningRate)

			convey.Convey("Then the client fallbacks are used", func() {
				convey.So(cfg.LocalEpochs, convey.ShouldEqual, 1)
				convey.So(cfg.LearningRate, convey.ShouldEqual, 0.01)
				convey.So(cfg.Validate(), convey.ShouldBeNil)
			})
		})

		convey.Convey("When the coordinator sent explicit values", func() {
			cfg := model.RoundConfig{LocalEpochs: 3, LearningRate: 0.1}.WithDefaults(1, 0.01)

			convey.Convey("Then they are kept", func() {
				convey.So(cfg.LocalEpochs, convey.ShouldEqual, 3)
				convey.So(cfg.LearningRate, convey.ShouldEqual, 0.1)
			})
		})

		convey.Convey("When values are out of range", func() {
			convey.So(errors.Is(model.RoundConfig{LocalEpochs: 0, LearningRate: 0.1}.Validate(), model.ErrInvalidRoundConfig), convey.ShouldBeTrue)
			convey.So(errors.Is(model.RoundConfig{LocalEpochs: 1, LearningRate: -1}.Validate(), model.ErrInvalidRoundConfig), convey.ShouldBeTrue)
			convey.So(errors.Is(model.RoundConfig{LocalEpochs: 1, LearningRate: 0.1, NumClasses: -2}.Validate(), model.ErrInvalidRoundConfig), convey.ShouldBeTrue)
		})

		convey.Convey("When the server announces a class count", func() {
			cfg := model.RoundConfig{LocalEpochs: 1, LearningRate: 0.1, NumClasses: 5}

			convey.Convey("Then only a different local width is rejected", func() {
				convey.So(cfg.CheckClasses(5), convey.ShouldBeNil)
				convey.So(cfg.CheckClasses(0), convey.ShouldBeNil)
				convey.So(model.RoundConfig{}.CheckClasses(3), convey.ShouldBeNil)
				convey.So(errors.Is(cfg.CheckClasses(3), model.ErrInvalidRoundConfig), convey.ShouldBeTrue)
			})
		})
	})
}
