package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	iotGrpc "liyu1981.xyz/agri-telemetry-service/pkg/grpc"
	iotHttp "liyu1981.xyz/agri-telemetry-service/pkg/http"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
	"liyu1981.xyz/agri-telemetry-service/pkg/transport/ws"
)

var maxFarms int = 50
var readingsPerDevice int = 10
var httpHostPort string = "127.0.0.1:1080"
var grpcHostPort string = "127.0.0.1:10801"

var grpcClient *iotGrpc.TelemetryClient
var operatorToken string

var rnd *rand.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
var rndMu sync.Mutex

var deviceTypes = []models.SensorType{
	models.SensorTypeSoil,
	models.SensorTypeWeather,
	models.SensorTypeCrop,
	models.SensorTypeWater,
}

var crops = []string{"maize", "wheat", "rice", "soybean"}

var sent, rejected atomic.Int64

func main() {
	var devices []models.DeviceConfig
	for f := range maxFarms {
		farmID := fmt.Sprintf("farm-%03d", f)
		for _, t := range deviceTypes {
			devices = append(devices, deviceConfig(farmID, t))
		}
	}
	fmt.Printf("generated %v devices on %v farms\n", len(devices), maxFarms)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", httpHostPort))
	if err != nil {
		log.Fatal("Failed to connect to HTTP server:", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatal("HTTP server not available")
	}
	fmt.Printf("http server verified\n")

	if secret := os.Getenv(common.EnvKeyAgriJWTSecret); secret != "" {
		if operatorToken, err = iotHttp.NewAuth(secret).IssueToken("simulator", time.Hour); err != nil {
			log.Fatal("Failed to issue operator token:", err)
		}
	}

	conn, err := grpc.NewClient(grpcHostPort, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal("Failed to connect to gRPC server:", err)
	}
	defer conn.Close()
	grpcClient = iotGrpc.NewTelemetryClient(conn)

	useWS := os.Getenv(common.EnvKeyAgriDeviceTransport) == "ws"

	var startTime time.Time
	var usedTime time.Duration

	startTime = time.Now()
	wg := sync.WaitGroup{}
	for i := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registerDevice(devices[i])
		}()
	}
	wg.Wait()
	usedTime = time.Since(startTime)

	fmt.Printf(
		"registered %v devices: used time=%v seconds, throughput=%v action/second\n",
		len(devices), usedTime.Seconds(), float64(len(devices))/usedTime.Seconds(),
	)

	startTime = time.Now()
	wg = sync.WaitGroup{}
	for i := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if useWS {
				runWebsocketDevice(devices[i])
			} else {
				runDevice(devices[i])
			}
		}()
	}
	wg.Wait()
	usedTime = time.Since(startTime)

	fmt.Printf(
		"\nsent %v readings (%v rejected): used time=%v seconds, throughput=%v action/second\n",
		sent.Load(), rejected.Load(), usedTime.Seconds(), float64(sent.Load())/usedTime.Seconds(),
	)
}

func flipCoin() bool {
	rndMu.Lock()
	defer rndMu.Unlock()
	return rnd.Int31n(100000)%2 == 0
}

func rndFloat64(min, max float64, decimal int) float64 {
	rndMu.Lock()
	val := min + rnd.Float64()*(max-min)
	rndMu.Unlock()
	multiplier := math.Pow10(decimal)
	return math.Round(val*multiplier) / multiplier
}

func floatPtr(v float64) *float64 { return &v }

func deviceConfig(farmID string, t models.SensorType) models.DeviceConfig {
	cfg := models.DeviceConfig{
		DeviceID:                    uuid.NewString(),
		FarmID:                      farmID,
		DeviceType:                  t,
		Location:                    models.Location{Lat: rndFloat64(-60, 60, 4), Lng: rndFloat64(-180, 180, 4)},
		SamplingIntervalMinutes:     1,
		TransmissionIntervalMinutes: 1,
		IsActive:                    true,
	}
	switch t {
	case models.SensorTypeSoil:
		cfg.AlertThresholds = map[string]models.Threshold{
			"moisture": {Min: floatPtr(20), Max: floatPtr(80)},
			"ph":       {Min: floatPtr(5.5), Max: floatPtr(7.5), Critical: true},
		}
	case models.SensorTypeWeather:
		cfg.AlertThresholds = map[string]models.Threshold{
			"temperature": {Min: floatPtr(0), Max: floatPtr(40), Critical: true},
		}
	case models.SensorTypeWater:
		cfg.AlertThresholds = map[string]models.Threshold{
			"level": {Min: floatPtr(10)},
		}
	}
	return cfg
}

func registerDevice(cfg models.DeviceConfig) {
	jsonData, _ := json.Marshal(cfg)
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/devices", httpHostPort), bytes.NewBuffer(jsonData))
	req.Header.Set("Content-Type", "application/json")
	if operatorToken != "" {
		req.Header.Set("Authorization", "Bearer "+operatorToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		panic(fmt.Sprintf("register %s: status %d", cfg.DeviceID, resp.StatusCode))
	}
}

func genReading(cfg models.DeviceConfig) models.SensorReading {
	r := models.SensorReading{
		DeviceID:         cfg.DeviceID,
		FarmID:           cfg.FarmID,
		Timestamp:        time.Now().UTC(),
		SensorType:       cfg.DeviceType,
		Location:         cfg.Location,
		ConnectionStatus: models.ConnectionOnline,
		BatteryLevel:     rndFloat64(10, 100, 1),
		SignalStrength:   rndFloat64(20, 100, 1),
	}
	switch cfg.DeviceType {
	case models.SensorTypeSoil:
		r.Payload = models.SoilPayload{
			Moisture:     rndFloat64(10, 90, 2),
			Temperature:  rndFloat64(5, 35, 2),
			PH:           rndFloat64(5, 8, 2),
			Conductivity: rndFloat64(0.1, 2, 2),
			NPK: models.NPK{
				Nitrogen:   rndFloat64(10, 60, 1),
				Phosphorus: rndFloat64(5, 40, 1),
				Potassium:  rndFloat64(50, 250, 1),
			},
			OrganicMatter: rndFloat64(1, 6, 2),
		}
	case models.SensorTypeWeather:
		r.Payload = models.WeatherPayload{
			Temperature:   rndFloat64(-5, 45, 1),
			Humidity:      rndFloat64(20, 100, 1),
			Rainfall:      rndFloat64(0, 20, 1),
			WindSpeed:     rndFloat64(0, 60, 1),
			WindDirection: rndFloat64(0, 359, 0),
			Pressure:      rndFloat64(980, 1040, 1),
		}
	case models.SensorTypeCrop:
		var yield *float64
		if flipCoin() {
			yield = floatPtr(rndFloat64(2, 12, 2))
		}
		r.Payload = models.CropPayload{
			CropType:      crops[int(rndFloat64(0, float64(len(crops)-1), 0))],
			GrowthStage:   "vegetative",
			PlantHeight:   rndFloat64(10, 250, 1),
			LeafAreaIndex: rndFloat64(0.5, 6, 2),
			NDVI:          rndFloat64(0.1, 0.9, 3),
			YieldEstimate: yield,
		}
	case models.SensorTypeWater:
		r.Payload = models.WaterPayload{
			Level:           rndFloat64(5, 100, 1),
			FlowRate:        rndFloat64(0, 30, 2),
			PH:              rndFloat64(6, 8.5, 2),
			Turbidity:       rndFloat64(0, 10, 2),
			DissolvedOxygen: rndFloat64(4, 12, 2),
			Temperature:     rndFloat64(5, 30, 1),
		}
	}
	return r
}

func pause() {
	time.Sleep(time.Duration(100+rndFloat64(0, 900, 0)) * time.Millisecond)
}

func countResult(ok bool) {
	sent.Add(1)
	if !ok {
		rejected.Add(1)
	}
}

func runDevice(cfg models.DeviceConfig) {
	for range readingsPerDevice {
		jsonData, _ := json.Marshal(genReading(cfg))
		if flipCoin() {
			resp, err := http.Post(fmt.Sprintf("http://%s/devices/%s/readings", httpHostPort, cfg.DeviceID), "application/json", bytes.NewBuffer(jsonData))
			if err != nil {
				fmt.Printf("\nerror: %v\n", err)
				countResult(false)
				continue
			}
			resp.Body.Close()
			countResult(resp.StatusCode == http.StatusAccepted)
		} else {
			s := &structpb.Struct{}
			if err := s.UnmarshalJSON(jsonData); err != nil {
				panic(err)
			}
			resp, err := grpcClient.PushReading(context.Background(), s)
			if err != nil {
				fmt.Printf("\nerror: %v\n", err)
				countResult(false)
				continue
			}
			countResult(resp.GetFields()["success"].GetBoolValue())
		}
		fmt.Printf("\rpushed reading for device %v", cfg.DeviceID)
		pause()
	}

	if _, err := grpcClient.GetAlerts(context.Background(), cfg.DeviceID); err != nil {
		fmt.Printf("\nerror: %v\n", err)
	}
}

func runWebsocketDevice(cfg models.DeviceConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := ws.Dial(ctx, fmt.Sprintf("ws://%s/ws/devices/%s", httpHostPort, cfg.DeviceID))
	cancel()
	if err != nil {
		fmt.Printf("\nerror: %v\n", err)
		return
	}
	defer conn.Close()

	for range readingsPerDevice {
		countResult(conn.SendReading(genReading(cfg)) == nil)
		if flipCoin() {
			_ = conn.SendHeartbeat()
		}
		fmt.Printf("\rsent reading over websocket for device %v", cfg.DeviceID)
		pause()
	}
}
