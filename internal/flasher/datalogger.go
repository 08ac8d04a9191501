package flasher

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/Dante383/GKFlasher/pkg/kwp2000"
)

// LoggedParameter maps one slice of a ReadDataByLocalIdentifier record to
// an engineering value: raw * Scale + Offset.
type LoggedParameter struct {
	Name      string
	Unit      string
	Position  int
	Size      int
	Scale     float64
	Offset    float64
	Precision int
}

// DataSource is one record identifier and the parameters decoded from it.
type DataSource struct {
	Identifier byte
	Parameters []LoggedParameter
}

// DefaultDataSources is tuned for the ca663021 calibration. The positions
// shift between calibrations; a proper fix is loading them from GDS
// definitions.
var DefaultDataSources = []DataSource{
	{
		Identifier: 0x01,
		Parameters: []LoggedParameter{
			{Name: "Oxygen Sensor-Bank1/Sensor1", Unit: "mV", Position: 38, Size: 2, Scale: 4.883, Precision: 1},
			{Name: "Air Flow Rate from Mass Air Flow Sensor", Unit: "kg/h", Position: 15, Size: 2, Scale: 0.03125, Precision: 2},
			{Name: "Engine Coolant Temperature Sensor", Unit: "C", Position: 4, Size: 1, Scale: 0.75, Precision: 2},
			{Name: "Oil Temperature Sensor", Unit: "C", Position: 6, Size: 1, Scale: 1, Offset: -40, Precision: 2},
			{Name: "Intake Air Temperature Sensor", Unit: "C", Position: 9, Size: 1, Scale: 0.75, Offset: -48, Precision: 2},
			{Name: "Throttle Position", Unit: "'", Position: 11, Size: 1, Scale: 0.468627, Precision: 2},
			{Name: "Engine RPM", Unit: "rpm", Position: 13, Size: 2, Scale: 0.25, Precision: 0},
			{Name: "Vehicle Speed", Unit: "km/h", Position: 18, Size: 1, Scale: 1, Precision: 0},
		},
	},
}

// DataLogger samples live sensor records and appends them to a CSV file
// until canceled.
func (f *Flasher) DataLogger(sources []DataSource, outPath string, interval time.Duration) error {
	file, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp"}
	for _, source := range sources {
		for _, parameter := range source.Parameters {
			header = append(header, fmt.Sprintf("%s [%s]", parameter.Name, parameter.Unit))
		}
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	log.WithField("path", outPath).Info("logging, cancel to stop")
	for !f.Cancel.Canceled() {
		row := []string{time.Now().Format(time.RFC3339Nano)}
		for _, source := range sources {
			response, err := f.bus.Execute(kwp2000.ReadDataByLocalIdentifier(source.Identifier))
			if err != nil {
				return err
			}
			for _, parameter := range source.Parameters {
				row = append(row, decodeParameter(response.Data, parameter))
			}
		}
		if err := writer.Write(row); err != nil {
			return err
		}
		writer.Flush()
		time.Sleep(interval)
	}
	return nil
}

func decodeParameter(record []byte, parameter LoggedParameter) string {
	if parameter.Position+parameter.Size > len(record) {
		return ""
	}
	var raw uint64
	for _, b := range record[parameter.Position : parameter.Position+parameter.Size] {
		raw = raw<<8 | uint64(b)
	}
	value := float64(raw)*parameter.Scale + parameter.Offset
	return fmt.Sprintf("%.*f", parameter.Precision, value)
}
