// gaugan_report summarizes a GauGAN run: the per-epoch metrics log, the evaluation summary and the checkpoints.
//
// Example:
//
//	gaugan_report -logs_dir=logs -checkpoint_dir=~/work/gaugan -plot=/tmp/gaugan.html
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/chekfung/James-TompGAN/pkg/metricslog"
)

var (
	flagLogsDir       = flag.String("logs_dir", "logs", "Directory with the metrics logs of the run.")
	flagCheckpointDir = flag.String("checkpoint_dir", "", "If set, lists the checkpoints in this directory.")
	flagPlot          = flag.String("plot", "", "If set, writes an HTML page with the plots of the metrics log to this file.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'gaugan_report -help'.", flag.Args())
		os.Exit(1)
	}

	trainPath := filepath.Join(*flagLogsDir, metricslog.TrainFileName)
	if df, err := loadTrainLog(trainPath); err != nil {
		klog.Warningf("No training log: %v", err)
	} else {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Training: %s epochs", humanize.Comma(int64(df.Nrow())))))
		fmt.Println(trainTable(df).Render())
		if best, ok := bestEpoch(df); ok {
			fmt.Printf("Best FID %.4g at epoch %d\n", best.FID, best.Epoch)
		}
		if *flagPlot != "" {
			if err := writePlots(*flagPlot, df); err != nil {
				klog.Exitf("Failed to plot: %+v", err)
			}
			fmt.Printf("\nPlots written to:\t%s\n\n", *flagPlot)
		}
	}

	testPath := filepath.Join(*flagLogsDir, metricslog.TestFileName)
	if df, err := loadTestLog(testPath); err == nil {
		fmt.Println(titleStyle.Render("Evaluation"))
		fmt.Println(testTable(df).Render())
	} else {
		klog.V(1).Infof("No evaluation log: %v", err)
	}

	if *flagCheckpointDir != "" {
		table, err := checkpointsTable(*flagCheckpointDir)
		if err != nil {
			klog.Exitf("Failed to list checkpoints: %+v", err)
		}
		fmt.Println(titleStyle.Render("Checkpoints"))
		fmt.Println(table.Render())
	}
}
